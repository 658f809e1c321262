// SPDX-FileCopyrightText: 2025 Deutsche Telekom AG
//
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" driver
	_ "modernc.org/sqlite"             // registers the "sqlite" driver

	"github.com/telekom/gateway-audit/pkg/audit"
)

// Driver selects the SQL dialect.
type Driver string

const (
	DriverSQLite   Driver = "sqlite"
	DriverPostgres Driver = "postgres"
)

// detailParamSeparator joins detail parameters in the properties column,
// the same separator the digest and sink bindings use.
const detailParamSeparator = "/-/_/-/"

type dialect struct {
	driverName string
	blob       string
	// placeholder returns the n-th (1-based) bind parameter
	placeholder func(n int) string
}

var dialects = map[Driver]dialect{
	DriverSQLite: {
		driverName:  "sqlite",
		blob:        "BLOB",
		placeholder: func(int) string { return "?" },
	},
	DriverPostgres: {
		driverName:  "pgx",
		blob:        "BYTEA",
		placeholder: func(n int) string { return "$" + strconv.Itoa(n) },
	},
}

// recordColumns are the audit_trail columns in insert and select order.
var recordColumns = []string{
	"id", "nodeid", "time", "audit_level", "type", "name", "message",
	"ip_address", "user_name", "user_id", "provider_oid",
	"entity_class", "entity_id", "action",
	"status", "request_id", "service_oid", "operation_name", "authenticated", "authentication_type",
	"request_length", "response_length", "request_content", "response_content",
	"response_status", "routing_latency",
	"component_id", "signature",
}

var detailColumns = []string{
	"record_id", "ordinal", "message_id", "audit_level", "properties", "exception", "component_id", "time",
}

func schema(d dialect) []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS audit_trail (
	id VARCHAR(64) PRIMARY KEY,
	nodeid VARCHAR(255) NOT NULL,
	time BIGINT NOT NULL,
	audit_level INTEGER NOT NULL,
	type VARCHAR(16) NOT NULL,
	name VARCHAR(255) NOT NULL,
	message TEXT NOT NULL,
	ip_address VARCHAR(64),
	user_name VARCHAR(255),
	user_id VARCHAR(255),
	provider_oid VARCHAR(255),
	entity_class VARCHAR(255),
	entity_id VARCHAR(255),
	action VARCHAR(255),
	status INTEGER,
	request_id VARCHAR(255),
	service_oid VARCHAR(255),
	operation_name VARCHAR(255),
	authenticated INTEGER,
	authentication_type VARCHAR(255),
	request_length INTEGER,
	response_length INTEGER,
	request_content TEXT,
	response_content TEXT,
	response_status INTEGER,
	routing_latency BIGINT,
	component_id VARCHAR(255),
	signature ` + d.blob + `
)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_trail_time ON audit_trail(time)`,
		`CREATE TABLE IF NOT EXISTS audit_detail (
	record_id VARCHAR(64) NOT NULL REFERENCES audit_trail(id),
	ordinal INTEGER NOT NULL,
	message_id INTEGER NOT NULL,
	audit_level INTEGER NOT NULL,
	properties TEXT,
	exception TEXT,
	component_id VARCHAR(255),
	time BIGINT NOT NULL,
	PRIMARY KEY (record_id, ordinal)
)`,
	}
}

// SQLStore stores records in the audit_trail and audit_detail tables.
type SQLStore struct {
	db *sql.DB
	d  dialect
}

// OpenSQL opens the database, creates the tables if needed and returns the
// store.
func OpenSQL(ctx context.Context, driver Driver, dsn string) (*SQLStore, error) {
	d, ok := dialects[driver]
	if !ok {
		return nil, fmt.Errorf("unsupported storage driver %q", driver)
	}
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("storage DSN is required")
	}
	db, err := sql.Open(d.driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open audit database: %w", err)
	}
	if driver == DriverSQLite {
		// sqlite serializes writers anyway
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}
	s := &SQLStore{db: db, d: d}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) migrate(ctx context.Context) error {
	for _, stmt := range schema(s.d) {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("initialize audit schema: %w", err)
		}
	}
	return nil
}

func (s *SQLStore) placeholders(from, n int) string {
	ps := make([]string, n)
	for i := range ps {
		ps[i] = s.d.placeholder(from + i)
	}
	return strings.Join(ps, ", ")
}

// StoreRecord inserts the record and its details in one transaction.
func (s *SQLStore) StoreRecord(ctx context.Context, rec *audit.Record) error {
	return observeStore(s.storeRecord(ctx, rec))
}

func (s *SQLStore) storeRecord(ctx context.Context, rec *audit.Record) (err error) {
	if err := rec.Validate(); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin audit transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	insertRecord := fmt.Sprintf("INSERT INTO audit_trail (%s) VALUES (%s)",
		strings.Join(recordColumns, ", "), s.placeholders(1, len(recordColumns)))
	if _, err = tx.ExecContext(ctx, insertRecord, recordArgs(rec)...); err != nil {
		return fmt.Errorf("insert audit record %s: %w", rec.ID, err)
	}

	insertDetail := fmt.Sprintf("INSERT INTO audit_detail (%s) VALUES (%s)",
		strings.Join(detailColumns, ", "), s.placeholders(1, len(detailColumns)))
	for _, d := range rec.Details {
		_, err = tx.ExecContext(ctx, insertDetail,
			rec.ID, d.Ordinal, d.MessageID, int(d.Level),
			detailParams(d.Params), nullString(d.Cause), d.Component, d.Time.UnixMilli())
		if err != nil {
			return fmt.Errorf("insert detail %d of audit record %s: %w", d.Ordinal, rec.ID, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit audit record %s: %w", rec.ID, err)
	}
	return nil
}

// Get loads one record with its details.
func (s *SQLStore) Get(ctx context.Context, id string) (*audit.Record, error) {
	query := fmt.Sprintf("SELECT %s FROM audit_trail WHERE id = %s", strings.Join(recordColumns, ", "), s.d.placeholder(1))
	rec, err := scanRecord(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("query audit record %s: %w", id, err)
	}
	if err := s.loadDetails(ctx, []*audit.Record{rec}); err != nil {
		return nil, err
	}
	return rec, nil
}

// Find returns the records matching c, oldest first.
func (s *SQLStore) Find(ctx context.Context, c Criteria) ([]*audit.Record, error) {
	var where []string
	var args []any
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, s.d.placeholder(len(args))))
	}
	if !c.From.IsZero() {
		add("time >= %s", c.From.UnixMilli())
	}
	if !c.To.IsZero() {
		add("time < %s", c.To.UnixMilli())
	}
	if len(c.Levels) > 0 {
		ps := make([]string, len(c.Levels))
		for i, l := range c.Levels {
			args = append(args, int(l))
			ps[i] = s.d.placeholder(len(args))
		}
		where = append(where, "audit_level IN ("+strings.Join(ps, ", ")+")")
	}
	if c.NodeID != "" {
		add("nodeid = %s", c.NodeID)
	}
	if c.Category != "" {
		add("type = %s", string(c.Category))
	}
	if c.Name != "" {
		add("name = %s", c.Name)
	}
	if c.UserName != "" {
		add("user_name = %s", c.UserName)
	}
	if c.RequestID != "" {
		add("request_id = %s", c.RequestID)
	}

	query := "SELECT " + strings.Join(recordColumns, ", ") + " FROM audit_trail"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, c.limit())
	query += " ORDER BY time, id LIMIT " + s.d.placeholder(len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit records: %w", err)
	}
	defer rows.Close()

	var out []*audit.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan audit record: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit records: %w", err)
	}
	if err := s.loadDetails(ctx, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *SQLStore) loadDetails(ctx context.Context, recs []*audit.Record) error {
	if len(recs) == 0 {
		return nil
	}
	byID := make(map[string]*audit.Record, len(recs))
	args := make([]any, 0, len(recs))
	for _, r := range recs {
		byID[r.ID] = r
		args = append(args, r.ID)
	}
	query := fmt.Sprintf("SELECT %s FROM audit_detail WHERE record_id IN (%s) ORDER BY record_id, ordinal",
		strings.Join(detailColumns, ", "), s.placeholders(1, len(args)))
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("query audit details: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			d          audit.Detail
			level      int
			properties sql.NullString
			cause      sql.NullString
			component  sql.NullString
			ms         int64
		)
		if err := rows.Scan(&d.RecordID, &d.Ordinal, &d.MessageID, &level, &properties, &cause, &component, &ms); err != nil {
			return fmt.Errorf("scan audit detail: %w", err)
		}
		d.Level = audit.Level(level)
		if properties.Valid {
			d.Params = strings.Split(properties.String, detailParamSeparator)
		}
		d.Cause = cause.String
		d.Component = component.String
		d.Time = time.UnixMilli(ms).UTC()
		if r, ok := byID[d.RecordID]; ok {
			r.Details = append(r.Details, d)
		}
	}
	return rows.Err()
}

func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func recordArgs(rec *audit.Record) []any {
	var (
		entityClass, entityID, action                sql.NullString
		status, authenticated, reqLen, respLen       sql.NullInt64
		responseStatus, latency                      sql.NullInt64
		requestID, serviceID, operation, authType    sql.NullString
		requestContent, responseContent, componentID sql.NullString
	)
	switch {
	case rec.AdminFields != nil:
		a := rec.AdminFields
		entityClass = nullable(a.EntityClass)
		entityID = validString(a.EntityID)
		action = validString(a.Action)
	case rec.MessageFields != nil:
		m := rec.MessageFields
		status = validInt(int64(m.Status))
		requestID = nullable(m.RequestID)
		serviceID = validString(m.ServiceID)
		operation = nullable(m.OperationName)
		if m.Authenticated {
			authenticated = validInt(1)
		} else {
			authenticated = validInt(0)
		}
		authType = nullable(m.AuthType)
		reqLen = validInt(int64(m.RequestLength))
		respLen = validInt(int64(m.ResponseLength))
		requestContent = nullable(m.RequestContent)
		responseContent = nullable(m.ResponseContent)
		responseStatus = validInt(int64(m.ResponseStatus))
		latency = validInt(m.RoutingLatency.Milliseconds())
	case rec.SystemFields != nil:
		componentID = validString(rec.SystemFields.Component)
		action = validString(rec.SystemFields.Action)
	}
	var signature []byte
	if len(rec.Signature) > 0 {
		signature = rec.Signature
	}
	return []any{
		rec.ID, rec.NodeID, rec.Time.UnixMilli(), int(rec.Level), string(rec.Category), rec.Name, rec.Message,
		nullString(rec.IPAddress), nullable(rec.UserName), nullable(rec.UserID), nullable(rec.ProviderID),
		entityClass, entityID, action,
		status, requestID, serviceID, operation, authenticated, authType,
		reqLen, respLen, requestContent, responseContent,
		responseStatus, latency,
		componentID, signature,
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*audit.Record, error) {
	var (
		rec                                          audit.Record
		ms                                           int64
		level                                        int
		category                                     string
		ip, userName, userID, providerID             sql.NullString
		entityClass, entityID, action                sql.NullString
		status, authenticated, reqLen, respLen       sql.NullInt64
		responseStatus, latency                      sql.NullInt64
		requestID, serviceID, operation, authType    sql.NullString
		requestContent, responseContent, componentID sql.NullString
		signature                                    []byte
	)
	err := row.Scan(
		&rec.ID, &rec.NodeID, &ms, &level, &category, &rec.Name, &rec.Message,
		&ip, &userName, &userID, &providerID,
		&entityClass, &entityID, &action,
		&status, &requestID, &serviceID, &operation, &authenticated, &authType,
		&reqLen, &respLen, &requestContent, &responseContent,
		&responseStatus, &latency,
		&componentID, &signature,
	)
	if err != nil {
		return nil, err
	}
	rec.Time = time.UnixMilli(ms).UTC()
	rec.Level = audit.Level(level)
	rec.Category = audit.Category(category)
	rec.IPAddress = ip.String
	rec.UserName = pointer(userName)
	rec.UserID = pointer(userID)
	rec.ProviderID = pointer(providerID)

	switch rec.Category {
	case audit.CategoryAdmin:
		rec.AdminFields = &audit.AdminFields{
			EntityClass: pointer(entityClass),
			EntityID:    entityID.String,
			Action:      action.String,
		}
	case audit.CategoryMessage:
		rec.MessageFields = &audit.MessageFields{
			ServiceID:       serviceID.String,
			OperationName:   pointer(operation),
			RequestID:       pointer(requestID),
			Status:          int(status.Int64),
			Authenticated:   authenticated.Int64 != 0,
			AuthType:        pointer(authType),
			RequestLength:   int(reqLen.Int64),
			ResponseLength:  int(respLen.Int64),
			RequestContent:  pointer(requestContent),
			ResponseContent: pointer(responseContent),
			ResponseStatus:  int(responseStatus.Int64),
			RoutingLatency:  time.Duration(latency.Int64) * time.Millisecond,
		}
	case audit.CategorySystem:
		rec.SystemFields = &audit.SystemFields{
			Component: componentID.String,
			Action:    action.String,
		}
	}
	if len(signature) > 0 {
		rec.Signature = signature
		rec.MarkSigned()
	}
	return &rec, nil
}

// detailParams is NULL for a detail without parameters, so a single empty
// parameter reads back as [""] rather than nil.
func detailParams(params []string) sql.NullString {
	if len(params) == 0 {
		return sql.NullString{}
	}
	return validString(strings.Join(params, detailParamSeparator))
}

func nullable(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func validString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: true}
}

func validInt(v int64) sql.NullInt64 {
	return sql.NullInt64{Int64: v, Valid: true}
}

func pointer(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}
