package sqlstore

type dialect struct {
	sqlDriver   string
	placeholder string
	ddl         []string
}

var dialects = map[string]dialect{
	DriverSQLite: {
		sqlDriver:   "sqlite",
		placeholder: "?",
		ddl: []string{
			`CREATE TABLE IF NOT EXISTS depot_commits (
				seq     INTEGER PRIMARY KEY,
				prev    INTEGER NOT NULL,
				payload BLOB NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS depot_object_versions (
				object_id INTEGER NOT NULL,
				seq       INTEGER NOT NULL,
				tombstone INTEGER NOT NULL DEFAULT 0,
				data      BLOB,
				PRIMARY KEY (object_id, seq)
			)`,
		},
	},
	DriverPostgres: {
		sqlDriver:   "pgx",
		placeholder: "$",
		ddl: []string{
			`CREATE TABLE IF NOT EXISTS depot_commits (
				seq     BIGINT PRIMARY KEY,
				prev    BIGINT NOT NULL,
				payload BYTEA NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS depot_object_versions (
				object_id BIGINT NOT NULL,
				seq       BIGINT NOT NULL,
				tombstone SMALLINT NOT NULL DEFAULT 0,
				data      BYTEA,
				PRIMARY KEY (object_id, seq)
			)`,
		},
	},
	DriverMySQL: {
		sqlDriver:   "mysql",
		placeholder: "?",
		ddl: []string{
			`CREATE TABLE IF NOT EXISTS depot_commits (
				seq     BIGINT PRIMARY KEY,
				prev    BIGINT NOT NULL,
				payload LONGBLOB NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS depot_object_versions (
				object_id BIGINT NOT NULL,
				seq       BIGINT NOT NULL,
				tombstone TINYINT NOT NULL DEFAULT 0,
				data      LONGBLOB,
				PRIMARY KEY (object_id, seq)
			)`,
		},
	},
}
