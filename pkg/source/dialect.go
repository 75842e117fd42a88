package source

// dialect holds the statistics queries of one database engine. Queries use
// '?' placeholders and are rebound to the driver's bind style before use.
type dialect struct {
	driverName  string
	defaultPort int

	heavy    string
	frequent string
	running  string
	sessions string
	memory   string

	// statsArgs orders the database filter and row limit for the heavy and
	// frequent queries.
	statsArgs func(database string, top int) []any

	// dbArgs supplies the database filter for the other queries, nil if
	// they take none.
	dbArgs func(database string) []any
}

var dialects = map[string]*dialect{
	"sqlserver": sqlServerDialect,
	"mysql":     mySQLDialect,
	"postgres":  postgresDialect,
}

const sqlServerStatementText = `SUBSTRING(
        st.text,
        (qs.statement_start_offset / 2) + 1,
        ((CASE qs.statement_end_offset
            WHEN -1 THEN DATALENGTH(st.text)
            ELSE qs.statement_end_offset
        END - qs.statement_start_offset) / 2) + 1
    )`

const sqlServerStatsColumns = `qs.execution_count,
    qs.total_worker_time AS cpu_time_total,
    qs.total_elapsed_time AS duration_total,
    qs.total_logical_reads AS logical_reads_total,
    qs.total_logical_writes AS logical_writes_total,
    qs.total_physical_reads AS physical_reads_total,
    qs.plan_generation_num AS plan_reuse_count,
    CAST(qs.execution_count AS float)
        / NULLIF(DATEDIFF(second, qs.creation_time, qs.last_execution_time), 0) AS exec_per_second,
    ` + sqlServerStatementText + ` AS query_text`

// SQL Server reads the plan cache DMVs. System and monitoring statements
// are excluded.
var sqlServerDialect = &dialect{
	driverName:  "sqlserver",
	defaultPort: 1433,
	heavy: `SELECT TOP (?)
    ` + sqlServerStatsColumns + `
FROM sys.dm_exec_query_stats qs
CROSS APPLY sys.dm_exec_sql_text(qs.sql_handle) st
WHERE DB_NAME(st.dbid) = COALESCE(NULLIF(?, ''), DB_NAME())
    AND st.text NOT LIKE '%sys.%'
    AND st.text NOT LIKE '%dm[_]%'
    AND st.text NOT LIKE '%INTERNAL%'
    AND st.text NOT LIKE '%sp[_]%'
    AND st.text NOT LIKE '%xp[_]%'
ORDER BY qs.total_worker_time DESC`,
	frequent: `SELECT TOP (?)
    ` + sqlServerStatsColumns + `
FROM sys.dm_exec_query_stats qs
CROSS APPLY sys.dm_exec_sql_text(qs.sql_handle) st
WHERE DB_NAME(st.dbid) = COALESCE(NULLIF(?, ''), DB_NAME())
    AND st.text NOT LIKE '%sys.%'
    AND st.text NOT LIKE '%INTERNAL%'
    AND st.text NOT LIKE '%dm[_]exec%'
ORDER BY qs.execution_count DESC`,
	running: `SELECT COUNT(*) AS queries_processing_now
FROM sys.dm_exec_requests
WHERE status = 'running'`,
	sessions: `SELECT
    s.host_name,
    c.client_net_address,
    s.program_name,
    COUNT(r.session_id) AS requests_running_now
FROM sys.dm_exec_sessions s
LEFT JOIN sys.dm_exec_requests r ON s.session_id = r.session_id
LEFT JOIN sys.dm_exec_connections c ON s.session_id = c.session_id
WHERE s.is_user_process = 1
GROUP BY s.host_name, c.client_net_address, s.program_name
ORDER BY requests_running_now DESC`,
	memory: `SELECT
    physical_memory_in_use_kb / 1024 AS sqlserver_memory_used_mb,
    virtual_address_space_reserved_kb / 1024 AS vas_reserved_mb,
    virtual_address_space_committed_kb / 1024 AS vas_committed_mb,
    locked_page_allocations_kb / 1024 AS locked_pages_mb
FROM sys.dm_os_process_memory`,
	statsArgs: func(database string, top int) []any {
		return []any{top, database}
	},
}

const mySQLStatsColumns = `DIGEST_TEXT AS query_text,
    COUNT_STAR AS execution_count,
    SUM_CPU_TIME DIV 1000000 AS cpu_time_total,
    SUM_TIMER_WAIT DIV 1000000 AS duration_total,
    SUM_ROWS_EXAMINED AS logical_reads_total,
    SUM_ROWS_AFFECTED AS logical_writes_total,
    SUM_CREATED_TMP_DISK_TABLES AS physical_reads_total,
    COUNT_STAR / NULLIF(TIMESTAMPDIFF(SECOND, FIRST_SEEN, LAST_SEEN), 0) AS exec_per_second`

// MySQL reads statement digests from performance_schema. Timer columns are
// picoseconds and are reported in microseconds.
var mySQLDialect = &dialect{
	driverName:  "mysql",
	defaultPort: 3306,
	heavy: `SELECT ` + mySQLStatsColumns + `
FROM performance_schema.events_statements_summary_by_digest
WHERE SCHEMA_NAME = COALESCE(NULLIF(?, ''), DATABASE())
    AND DIGEST_TEXT IS NOT NULL
ORDER BY SUM_TIMER_WAIT DESC
LIMIT ?`,
	frequent: `SELECT ` + mySQLStatsColumns + `
FROM performance_schema.events_statements_summary_by_digest
WHERE SCHEMA_NAME = COALESCE(NULLIF(?, ''), DATABASE())
    AND DIGEST_TEXT IS NOT NULL
ORDER BY COUNT_STAR DESC
LIMIT ?`,
	running: `SELECT COUNT(*) AS queries_processing_now
FROM information_schema.PROCESSLIST
WHERE COMMAND = 'Query'`,
	sessions: `SELECT
    SUBSTRING_INDEX(HOST, ':', 1) AS host_name,
    HOST AS client_net_address,
    USER AS program_name,
    SUM(COMMAND = 'Query') AS requests_running_now
FROM information_schema.PROCESSLIST
GROUP BY SUBSTRING_INDEX(HOST, ':', 1), HOST, USER
ORDER BY requests_running_now DESC`,
	memory: `SELECT SUM(CURRENT_NUMBER_OF_BYTES_USED) DIV 1048576 AS memory_used_mb
FROM performance_schema.memory_summary_global_by_event_name`,
	statsArgs: func(database string, top int) []any {
		return []any{database, top}
	},
}

const postgresStatsColumns = `s.query AS query_text,
    s.calls AS execution_count,
    (s.total_exec_time * 1000)::bigint AS cpu_time_total,
    ((s.total_exec_time + s.total_plan_time) * 1000)::bigint AS duration_total,
    s.shared_blks_hit + s.shared_blks_read AS logical_reads_total,
    s.shared_blks_dirtied + s.shared_blks_written AS logical_writes_total,
    s.shared_blks_read AS physical_reads_total`

// PostgreSQL reads pg_stat_statements, which must be installed in the
// monitored database. Times are reported in microseconds.
var postgresDialect = &dialect{
	driverName:  "postgres",
	defaultPort: 5432,
	heavy: `SELECT ` + postgresStatsColumns + `
FROM pg_stat_statements s
JOIN pg_database d ON d.oid = s.dbid
WHERE d.datname = COALESCE(NULLIF(?, ''), current_database())
ORDER BY s.total_exec_time DESC
LIMIT ?`,
	frequent: `SELECT ` + postgresStatsColumns + `
FROM pg_stat_statements s
JOIN pg_database d ON d.oid = s.dbid
WHERE d.datname = COALESCE(NULLIF(?, ''), current_database())
ORDER BY s.calls DESC
LIMIT ?`,
	running: `SELECT COUNT(*) AS queries_processing_now
FROM pg_stat_activity
WHERE state = 'active'
    AND datname = COALESCE(NULLIF(?, ''), current_database())`,
	sessions: `SELECT
    COALESCE(client_hostname, '') AS host_name,
    COALESCE(host(client_addr), '') AS client_net_address,
    application_name AS program_name,
    COUNT(*) FILTER (WHERE state = 'active') AS requests_running_now
FROM pg_stat_activity
WHERE backend_type = 'client backend'
    AND datname = COALESCE(NULLIF(?, ''), current_database())
GROUP BY 1, 2, 3
ORDER BY requests_running_now DESC`,
	memory: `SELECT
    (SELECT setting::bigint * 8 / 1024 FROM pg_settings WHERE name = 'shared_buffers') AS shared_buffers_mb,
    (SELECT setting::bigint / 1024 FROM pg_settings WHERE name = 'work_mem') AS work_mem_mb`,
	statsArgs: func(database string, top int) []any {
		return []any{database, top}
	},
	dbArgs: func(database string) []any {
		return []any{database}
	},
}
