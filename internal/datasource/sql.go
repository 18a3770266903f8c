package datasource

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/busybox42/mailq/internal/queue"
	"github.com/google/uuid"
)

const (
	queueTable     = "mailq_queued_message"
	blacklistTable = "mailq_blacklist"
	logTable       = "mailq_log"

	messageColumns = "id, from_address, to_address, subject, body, priority, deferred_at, retries, queued_at, created_at"
)

// dialect captures what differs between the supported SQL databases.
type dialect interface {
	Type() string
	driverName() string
	dsn() string
	prepare() error
	configurePool(db *sql.DB)
	rebind(query string) string
	insertIgnore(table, columns, values string) string
	schema() []string
}

// SQLStore implements queue.Store on top of database/sql
type SQLStore struct {
	config    Config
	dialect   dialect
	db        *sql.DB
	connected bool
	logger    *slog.Logger
	now       func() time.Time
}

var _ queue.Store = (*SQLStore)(nil)

// NewSQLStore creates a store for the given dialect. Call Connect before use.
func NewSQLStore(config Config, d dialect) *SQLStore {
	return &SQLStore{
		config:  config,
		dialect: d,
		logger: slog.Default().With(
			"component", d.Type()+"-datasource",
			"name", config.Name,
		),
		now: time.Now,
	}
}

// Connect opens the database and creates the schema if needed
func (s *SQLStore) Connect() error {
	if s.connected {
		return nil
	}

	if err := s.dialect.prepare(); err != nil {
		return err
	}

	db, err := sql.Open(s.dialect.driverName(), s.dialect.dsn())
	if err != nil {
		return fmt.Errorf("failed to open %s database: %w", s.dialect.Type(), err)
	}
	s.dialect.configurePool(db)

	if err := db.Ping(); err != nil {
		db.Close()
		return fmt.Errorf("failed to ping %s database: %w", s.dialect.Type(), err)
	}

	for _, stmt := range s.dialect.schema() {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return fmt.Errorf("failed to initialize database schema: %w", err)
		}
	}

	s.db = db
	s.connected = true
	s.logger.Debug("datasource connected")
	return nil
}

// Close closes the database
func (s *SQLStore) Close() error {
	if !s.connected {
		return nil
	}
	s.connected = false
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close %s database: %w", s.dialect.Type(), err)
	}
	return nil
}

// IsConnected returns true if the datasource is connected
func (s *SQLStore) IsConnected() bool {
	return s.connected
}

// Type returns the type of the datasource
func (s *SQLStore) Type() string {
	return s.dialect.Type()
}

// Blacklist returns the blacklist table
func (s *SQLStore) Blacklist() queue.BlacklistStore {
	return sqlBlacklist{s}
}

// Log returns the audit log table
func (s *SQLStore) Log() queue.AuditLog {
	return sqlLog{s}
}

func (s *SQLStore) exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	if !s.connected {
		return nil, ErrNotConnected
	}
	return s.db.ExecContext(ctx, s.dialect.rebind(query), args...)
}

func (s *SQLStore) query(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	if !s.connected {
		return nil, ErrNotConnected
	}
	return s.db.QueryContext(ctx, s.dialect.rebind(query), args...)
}

func (s *SQLStore) count(ctx context.Context, query string, args ...interface{}) (int, error) {
	if !s.connected {
		return 0, ErrNotConnected
	}
	var n int
	if err := s.db.QueryRowContext(ctx, s.dialect.rebind(query), args...).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// Insert stores a new active message
func (s *SQLStore) Insert(ctx context.Context, msg *queue.Message) error {
	if msg.Envelope.To == "" {
		return fmt.Errorf("%w: message has no recipient", ErrInvalidInput)
	}
	if !msg.Priority.Persistable() {
		return fmt.Errorf("%w: priority %s cannot be queued", ErrInvalidInput, msg.Priority)
	}
	fillDefaults(msg, s.now())
	body := msg.Envelope.Body
	if body == nil {
		body = []byte{}
	}

	_, err := s.exec(ctx,
		"INSERT INTO "+queueTable+" ("+messageColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
		msg.ID,
		msg.Envelope.From,
		msg.Envelope.To,
		msg.Envelope.Subject,
		body,
		int(msg.Priority),
		nullTime(msg.Deferred),
		msg.Retries,
		msg.QueuedAt.UnixNano(),
		msg.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert queued message: %w", err)
	}
	return nil
}

// Get retrieves a single message by ID
func (s *SQLStore) Get(ctx context.Context, id string) (queue.Message, error) {
	rows, err := s.query(ctx, "SELECT "+messageColumns+" FROM "+queueTable+" WHERE id = ?", id)
	if err != nil {
		return queue.Message{}, fmt.Errorf("failed to get queued message: %w", err)
	}
	msgs, err := scanMessages(rows)
	if err != nil {
		return queue.Message{}, err
	}
	if len(msgs) == 0 {
		return queue.Message{}, queue.ErrNotFound
	}
	return msgs[0], nil
}

// NonDeferred lists active messages in delivery order
func (s *SQLStore) NonDeferred(ctx context.Context, limit int) ([]queue.Message, error) {
	q := "SELECT " + messageColumns + " FROM " + queueTable +
		" WHERE deferred_at IS NULL ORDER BY priority ASC, queued_at ASC, seq ASC"
	var args []interface{}
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list queued messages: %w", err)
	}
	return scanMessages(rows)
}

// Deferred lists deferred messages, optionally bounded by retry count
func (s *SQLStore) Deferred(ctx context.Context, maxRetries int) ([]queue.Message, error) {
	q := "SELECT " + messageColumns + " FROM " + queueTable + " WHERE deferred_at IS NOT NULL"
	var args []interface{}
	if maxRetries >= 0 {
		q += " AND retries <= ?"
		args = append(args, maxRetries)
	}
	q += " ORDER BY priority ASC, queued_at ASC, seq ASC"

	rows, err := s.query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list deferred messages: %w", err)
	}
	return scanMessages(rows)
}

// Delete removes a message from the queue
func (s *SQLStore) Delete(ctx context.Context, id string) error {
	res, err := s.exec(ctx, "DELETE FROM "+queueTable+" WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete queued message: %w", err)
	}
	return requireRow(res, id)
}

// Defer marks a message deferred and counts the failed attempt
func (s *SQLStore) Defer(ctx context.Context, id string, at time.Time) error {
	res, err := s.exec(ctx,
		"UPDATE "+queueTable+" SET deferred_at = ?, retries = retries + 1 WHERE id = ?",
		at.UnixNano(), id)
	if err != nil {
		return fmt.Errorf("failed to defer queued message: %w", err)
	}
	return requireRow(res, id)
}

// Requeue puts deferred messages back into the active queue
func (s *SQLStore) Requeue(ctx context.Context, maxRetries int, priority queue.Priority) (int, error) {
	q := "UPDATE " + queueTable + " SET deferred_at = NULL, retries = retries + 1"
	var args []interface{}
	if priority.Persistable() {
		q += ", priority = ?"
		args = append(args, int(priority))
	}
	q += " WHERE deferred_at IS NOT NULL"
	if maxRetries >= 0 {
		q += " AND retries <= ?"
		args = append(args, maxRetries)
	}

	res, err := s.exec(ctx, q, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to requeue deferred messages: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count requeued messages: %w", err)
	}
	return int(n), nil
}

// SetPriority reassigns the priority of the given messages
func (s *SQLStore) SetPriority(ctx context.Context, ids []string, priority queue.Priority) error {
	if len(ids) == 0 {
		return nil
	}
	if !priority.Persistable() {
		return fmt.Errorf("%w: priority %s cannot be queued", ErrInvalidInput, priority)
	}

	args := make([]interface{}, 0, len(ids)+1)
	args = append(args, int(priority))
	for _, id := range ids {
		args = append(args, id)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(ids)), ", ")

	if _, err := s.exec(ctx,
		"UPDATE "+queueTable+" SET priority = ? WHERE id IN ("+placeholders+")", args...); err != nil {
		return fmt.Errorf("failed to update priority: %w", err)
	}
	return nil
}

// CountNonDeferred returns the number of active messages
func (s *SQLStore) CountNonDeferred(ctx context.Context) (int, error) {
	n, err := s.count(ctx, "SELECT COUNT(*) FROM "+queueTable+" WHERE deferred_at IS NULL")
	if err != nil {
		return 0, fmt.Errorf("failed to count queued messages: %w", err)
	}
	return n, nil
}

// CountDeferred returns the number of deferred messages
func (s *SQLStore) CountDeferred(ctx context.Context) (int, error) {
	n, err := s.count(ctx, "SELECT COUNT(*) FROM "+queueTable+" WHERE deferred_at IS NOT NULL")
	if err != nil {
		return 0, fmt.Errorf("failed to count deferred messages: %w", err)
	}
	return n, nil
}

// CountByPriority returns the number of active messages per priority
func (s *SQLStore) CountByPriority(ctx context.Context) (map[queue.Priority]int, error) {
	rows, err := s.query(ctx,
		"SELECT priority, COUNT(*) FROM "+queueTable+" WHERE deferred_at IS NULL GROUP BY priority")
	if err != nil {
		return nil, fmt.Errorf("failed to count by priority: %w", err)
	}
	defer rows.Close()

	counts := make(map[queue.Priority]int)
	for rows.Next() {
		var p, n int
		if err := rows.Scan(&p, &n); err != nil {
			return nil, fmt.Errorf("failed to scan priority count: %w", err)
		}
		counts[queue.Priority(p)] = n
	}
	return counts, rows.Err()
}

type sqlBlacklist struct{ s *SQLStore }

func (b sqlBlacklist) Contains(ctx context.Context, address string) (bool, error) {
	n, err := b.s.count(ctx, "SELECT COUNT(*) FROM "+blacklistTable+" WHERE address = ?",
		queue.NormalizeAddress(address))
	if err != nil {
		return false, fmt.Errorf("failed to check blacklist: %w", err)
	}
	return n > 0, nil
}

func (b sqlBlacklist) All(ctx context.Context) ([]string, error) {
	entries, err := b.List(ctx)
	if err != nil {
		return nil, err
	}
	addrs := make([]string, len(entries))
	for i, e := range entries {
		addrs[i] = e.Address
	}
	return addrs, nil
}

func (b sqlBlacklist) Add(ctx context.Context, address string) error {
	address = queue.NormalizeAddress(address)
	if address == "" {
		return fmt.Errorf("%w: empty address", ErrInvalidInput)
	}
	q := b.s.dialect.insertIgnore(blacklistTable, "address, added_at", "?, ?")
	if _, err := b.s.exec(ctx, q, address, b.s.now().UnixNano()); err != nil {
		return fmt.Errorf("failed to add blacklist entry: %w", err)
	}
	return nil
}

func (b sqlBlacklist) Remove(ctx context.Context, address string) error {
	res, err := b.s.exec(ctx, "DELETE FROM "+blacklistTable+" WHERE address = ?",
		queue.NormalizeAddress(address))
	if err != nil {
		return fmt.Errorf("failed to remove blacklist entry: %w", err)
	}
	return requireRow(res, address)
}

func (b sqlBlacklist) List(ctx context.Context) ([]queue.BlacklistEntry, error) {
	rows, err := b.s.query(ctx, "SELECT address, added_at FROM "+blacklistTable+" ORDER BY added_at DESC")
	if err != nil {
		return nil, fmt.Errorf("failed to list blacklist: %w", err)
	}
	defer rows.Close()

	var entries []queue.BlacklistEntry
	for rows.Next() {
		var e queue.BlacklistEntry
		var added int64
		if err := rows.Scan(&e.Address, &added); err != nil {
			return nil, fmt.Errorf("failed to scan blacklist entry: %w", err)
		}
		e.AddedAt = time.Unix(0, added)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

type sqlLog struct{ s *SQLStore }

func (l sqlLog) Append(ctx context.Context, e queue.LogEntry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = l.s.now()
	}
	_, err := l.s.exec(ctx,
		"INSERT INTO "+logTable+" (message_id, from_address, to_address, subject, result, detail, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)",
		e.MessageID, e.From, e.To, e.Subject, int(e.Result), e.Detail, e.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to append log entry: %w", err)
	}
	return nil
}

func (l sqlLog) Recent(ctx context.Context, limit int) ([]queue.LogEntry, error) {
	q := "SELECT id, message_id, from_address, to_address, subject, result, detail, created_at FROM " +
		logTable + " ORDER BY created_at DESC, id DESC"
	var args []interface{}
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := l.s.query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list log entries: %w", err)
	}
	defer rows.Close()

	var entries []queue.LogEntry
	for rows.Next() {
		var e queue.LogEntry
		var result int
		var created int64
		if err := rows.Scan(&e.ID, &e.MessageID, &e.From, &e.To, &e.Subject, &result, &e.Detail, &created); err != nil {
			return nil, fmt.Errorf("failed to scan log entry: %w", err)
		}
		e.Result = queue.Result(result)
		e.CreatedAt = time.Unix(0, created)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func scanMessages(rows *sql.Rows) ([]queue.Message, error) {
	defer rows.Close()

	var msgs []queue.Message
	for rows.Next() {
		var m queue.Message
		var priority int
		var deferred sql.NullInt64
		var queued, created int64
		if err := rows.Scan(
			&m.ID,
			&m.Envelope.From,
			&m.Envelope.To,
			&m.Envelope.Subject,
			&m.Envelope.Body,
			&priority,
			&deferred,
			&m.Retries,
			&queued,
			&created,
		); err != nil {
			return nil, fmt.Errorf("failed to scan queued message: %w", err)
		}
		m.Priority = queue.Priority(priority)
		if deferred.Valid {
			t := time.Unix(0, deferred.Int64)
			m.Deferred = &t
		}
		m.QueuedAt = time.Unix(0, queued)
		m.CreatedAt = time.Unix(0, created)
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating queued messages: %w", err)
	}
	return msgs, nil
}

func fillDefaults(msg *queue.Message, now time.Time) {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = now
	}
	if msg.QueuedAt.IsZero() {
		msg.QueuedAt = now
	}
}

func nullTime(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func requireRow(res sql.Result, key string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", queue.ErrNotFound, key)
	}
	return nil
}
