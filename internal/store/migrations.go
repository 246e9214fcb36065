package store

// Times are unix seconds except device_facts.collected_at, which is unix
// nanoseconds so that back-to-back submissions do not collide on the key.
const schema = `
-- Organizations declared in config
CREATE TABLE IF NOT EXISTS organizations (
    id          INTEGER PRIMARY KEY,
    slug        TEXT NOT NULL UNIQUE,
    name        TEXT NOT NULL,
    type        TEXT NOT NULL CHECK (type IN ('customer', 'internal'))
);

CREATE TABLE IF NOT EXISTS sites (
    id          INTEGER PRIMARY KEY,
    org_id      INTEGER NOT NULL REFERENCES organizations(id) ON DELETE CASCADE,
    slug        TEXT NOT NULL,
    name        TEXT NOT NULL,
    UNIQUE (org_id, slug)
);

-- Fleet members. tunnel_address_num mirrors tunnel_address as an integer so
-- ranges can be scanned in numeric order.
CREATE TABLE IF NOT EXISTS devices (
    id                    INTEGER PRIMARY KEY AUTOINCREMENT,
    org_id                INTEGER REFERENCES organizations(id) ON DELETE SET NULL,
    site_id               INTEGER REFERENCES sites(id) ON DELETE SET NULL,
    device_name           TEXT NOT NULL,
    device_class          TEXT NOT NULL CHECK (device_class IN ('scanner', 'server')),
    billing_class         TEXT NOT NULL CHECK (billing_class IN ('customer', 'internal')),
    status                TEXT NOT NULL DEFAULT 'pending'
                          CHECK (status IN ('pending', 'provisioning', 'active', 'offline', 'suspended')),
    claim_code            TEXT UNIQUE,
    claim_code_expires_at INTEGER,
    fingerprint           TEXT,
    tunnel_public_key     TEXT,
    tunnel_address        TEXT UNIQUE,
    tunnel_address_num    INTEGER UNIQUE,
    reserved_at           INTEGER,
    hostname              TEXT,
    local_ip              TEXT,
    public_ip             TEXT,
    mac_addresses         TEXT,
    manufacturer          TEXT,
    model                 TEXT,
    serial_number         TEXT,
    cpu_model             TEXT,
    cpu_cores             INTEGER,
    ram_gb                INTEGER,
    disk_gb               INTEGER,
    os_type               TEXT,
    os_version            TEXT,
    kernel_version        TEXT,
    docker_present        INTEGER NOT NULL DEFAULT 0,
    lvm_present           INTEGER NOT NULL DEFAULT 0,
    enrolled_at           INTEGER,
    last_seen_at          INTEGER,
    uptime_seconds        INTEGER NOT NULL DEFAULT 0,
    created_at            INTEGER NOT NULL,
    updated_at            INTEGER NOT NULL,
    deleted_at            INTEGER
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_devices_fingerprint
    ON devices(fingerprint) WHERE fingerprint IS NOT NULL AND deleted_at IS NULL;
CREATE INDEX IF NOT EXISTS idx_devices_status ON devices(status);
CREATE INDEX IF NOT EXISTS idx_devices_last_seen ON devices(last_seen_at);

-- Latest telemetry snapshot, one row per device, replaced on every report
CREATE TABLE IF NOT EXISTS heartbeats (
    device_id                INTEGER PRIMARY KEY REFERENCES devices(id) ON DELETE CASCADE,
    ts                       INTEGER NOT NULL,
    uptime_seconds           INTEGER NOT NULL DEFAULT 0,
    cpu_usage_percent        REAL,
    ram_usage_percent        REAL,
    ram_used_gb              REAL,
    ram_total_gb             REAL,
    filesystems              TEXT,
    network_rx_bytes_per_sec REAL,
    network_tx_bytes_per_sec REAL,
    services                 TEXT,
    containers               TEXT,
    scanner_stats            TEXT,
    last_login_ips           TEXT,
    failed_login_count_24h   INTEGER NOT NULL DEFAULT 0
);

-- 5-minute aggregates (30d retention)
CREATE TABLE IF NOT EXISTS metrics_rollup (
    device_id           INTEGER NOT NULL REFERENCES devices(id) ON DELETE CASCADE,
    time_bucket         INTEGER NOT NULL,
    cpu_avg             REAL NOT NULL,
    cpu_max             REAL NOT NULL,
    ram_avg             REAL NOT NULL,
    ram_max             REAL NOT NULL,
    disk_root_avg       REAL NOT NULL,
    disk_root_max       REAL NOT NULL,
    network_rx_avg_mbps REAL NOT NULL,
    network_rx_max_mbps REAL NOT NULL,
    network_tx_avg_mbps REAL NOT NULL,
    network_tx_max_mbps REAL NOT NULL,
    sample_count        INTEGER NOT NULL,
    PRIMARY KEY (device_id, time_bucket)
);

CREATE INDEX IF NOT EXISTS idx_metrics_rollup_bucket ON metrics_rollup(time_bucket);

-- Append-only facts history (90d retention)
CREATE TABLE IF NOT EXISTS device_facts (
    device_id    INTEGER NOT NULL REFERENCES devices(id) ON DELETE CASCADE,
    collected_at INTEGER NOT NULL,
    facts        TEXT NOT NULL,
    PRIMARY KEY (device_id, collected_at)
);

-- Client report ids already folded into the rollup (48h retention)
CREATE TABLE IF NOT EXISTS heartbeat_reports (
    device_id   INTEGER NOT NULL REFERENCES devices(id) ON DELETE CASCADE,
    report_id   TEXT NOT NULL,
    received_at INTEGER NOT NULL,
    PRIMARY KEY (device_id, report_id)
);

CREATE INDEX IF NOT EXISTS idx_heartbeat_reports_received ON heartbeat_reports(received_at);
`
