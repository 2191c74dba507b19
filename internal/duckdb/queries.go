package duckdb

import (
	"fmt"
	"log"
	"regexp"
	"strings"
)

// dangerousKeywordPattern matches dangerous SQL keywords at word boundaries.
// This avoids false positives like "RESET" matching "SET".
var dangerousKeywordPattern = regexp.MustCompile(
	`(?i)\b(INSERT|UPDATE|DELETE|DROP|CREATE|ALTER|TRUNCATE|COPY|ATTACH|DETACH|LOAD|EXPORT|IMPORT|INSTALL|CALL|EXECUTE|PRAGMA|SET|CHECKPOINT)\b`,
)

// restrictedTablePattern matches the metadata tables that share the warehouse
// file and must not be readable through ad-hoc queries.
var restrictedTablePattern = regexp.MustCompile(`(?i)\b(users|pipeline_runs|schema_migrations)\b`)

// fileFunctionPattern matches table functions and replacement scans that read
// from the local filesystem.
var fileFunctionPattern = regexp.MustCompile(
	`(?i)\b(read_text|read_blob|read_csv\w*|read_parquet|parquet_\w+|read_json\w*|read_ndjson\w*|sniff_csv|glob|getenv)\s*\(|\b(FROM|JOIN)\s+'`,
)

// blockCommentPattern matches C-style block comments (/* ... */).
var blockCommentPattern = regexp.MustCompile(`/\*[\s\S]*?\*/`)

// maxQueryRows caps the rows returned by ExecuteQuery.
const maxQueryRows = 1000

// systemSchemas are excluded from schema descriptions and row counts.
var systemSchemas = []string{"information_schema", "pg_catalog"}

// stripSQLComments removes -- line comments and /* */ block comments from a query.
func stripSQLComments(query string) string {
	cleaned := blockCommentPattern.ReplaceAllString(query, " ")
	var result strings.Builder
	for _, line := range strings.Split(cleaned, "\n") {
		if idx := strings.Index(line, "--"); idx >= 0 {
			line = line[:idx]
		}
		result.WriteString(line)
		result.WriteByte('\n')
	}
	return result.String()
}

// checkReadOnly rejects anything but a single SELECT/WITH statement.
func checkReadOnly(query string) error {
	trimmed := strings.TrimSpace(query)
	if strings.Contains(trimmed, ";") {
		return fmt.Errorf("query must not contain semicolons")
	}

	stripped := strings.TrimSpace(stripSQLComments(trimmed))
	upper := strings.ToUpper(stripped)
	if !strings.HasPrefix(upper, "SELECT") && !strings.HasPrefix(upper, "WITH") {
		return fmt.Errorf("only SELECT/WITH queries are allowed")
	}

	if match := dangerousKeywordPattern.FindString(stripped); match != "" {
		return fmt.Errorf("query contains disallowed keyword: %s", strings.ToUpper(match))
	}
	if match := restrictedTablePattern.FindString(stripped); match != "" {
		return fmt.Errorf("query references restricted table: %s", strings.ToLower(match))
	}
	if match := fileFunctionPattern.FindString(stripped); match != "" {
		return fmt.Errorf("query reads from the filesystem: %s", strings.TrimSpace(match))
	}
	return nil
}

// ExecuteQuery runs a read-only SQL query and returns results as maps.
// Only SELECT/WITH read queries are allowed; DDL/DML is rejected.
func (s *Store) ExecuteQuery(query string) ([]map[string]interface{}, error) {
	if err := checkReadOnly(query); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx, cancel := s.queryCtx()
	defer cancel()
	rows, err := s.db.QueryContext(ctx, strings.TrimSpace(query))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var results []map[string]interface{}
	for rows.Next() && len(results) < maxQueryRows {
		values := make([]interface{}, len(columns))
		valuePtrs := make([]interface{}, len(columns))
		for i := range values {
			valuePtrs[i] = &values[i]
		}

		if err := rows.Scan(valuePtrs...); err != nil {
			log.Printf("duckdb scan error (ExecuteQuery): %v", err)
			continue
		}

		row := make(map[string]interface{}, len(columns))
		for i, col := range columns {
			row[col] = values[i]
		}
		results = append(results, row)
	}

	return results, rows.Err()
}

// TableInfo describes one warehouse table.
type TableInfo struct {
	Schema  string   `json:"schema"`
	Name    string   `json:"name"`
	Columns []Column `json:"columns"`
}

// Column is a table column and its DuckDB type.
type Column struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// QualifiedName returns schema.name, omitting the default main schema.
func (t TableInfo) QualifiedName() string {
	if t.Schema == "" || t.Schema == "main" {
		return t.Name
	}
	return t.Schema + "." + t.Name
}

// Tables lists user tables with their columns from information_schema.
func (s *Store) Tables() ([]TableInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx, cancel := s.queryCtx()
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT table_schema, table_name, column_name, data_type
		FROM information_schema.columns
		WHERE table_schema NOT IN (?, ?)
		ORDER BY table_schema, table_name, ordinal_position`, systemSchemas[0], systemSchemas[1])
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	defer rows.Close()

	var tables []TableInfo
	for rows.Next() {
		var schema, table, col, typ string
		if err := rows.Scan(&schema, &table, &col, &typ); err != nil {
			log.Printf("duckdb scan error (Tables): %v", err)
			continue
		}
		n := len(tables)
		if n == 0 || tables[n-1].Schema != schema || tables[n-1].Name != table {
			tables = append(tables, TableInfo{Schema: schema, Name: table})
			n++
		}
		tables[n-1].Columns = append(tables[n-1].Columns, Column{Name: col, Type: typ})
	}
	return tables, rows.Err()
}

// GetSchemaDescription returns a human-readable description of every warehouse table.
func (s *Store) GetSchemaDescription() string {
	tables, err := s.Tables()
	if err != nil {
		log.Printf("duckdb: schema description: %v", err)
		return ""
	}
	var b strings.Builder
	for i, t := range tables {
		if i > 0 {
			b.WriteByte('\n')
		}
		cols := make([]string, len(t.Columns))
		for j, c := range t.Columns {
			cols[j] = fmt.Sprintf("%s (%s)", c.Name, c.Type)
		}
		fmt.Fprintf(&b, "Table '%s': %s.", t.QualifiedName(), strings.Join(cols, ", "))
	}
	return b.String()
}

// TableRowCounts returns the row count for each user table. Table names come
// from the catalog and are quoted, never from user input.
func (s *Store) TableRowCounts() (map[string]int64, error) {
	tables, err := s.Tables()
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx, cancel := s.queryCtx()
	defer cancel()

	counts := make(map[string]int64, len(tables))
	for _, t := range tables {
		tn := TableName{Table: t.Name}
		if t.Schema != "main" {
			tn.Dataset = t.Schema
		}
		var count int64
		if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+tn.Qualified()).Scan(&count); err != nil {
			continue
		}
		counts[t.QualifiedName()] = count
	}
	return counts, nil
}
