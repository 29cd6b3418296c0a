// Copyright 2025 TripFlow
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package relay

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq" // PostgreSQL driver
)

// AuditLogger records relay activity (submissions and status polls) in
// Postgres. Writes happen on a background goroutine so audit persistence
// never blocks or fails a request. Without a database it degrades to a
// no-op. Queries are stored as hashes only; the relay does not persist
// conversation content.
type AuditLogger struct {
	db           *sql.DB
	auditQueue   chan *AuditEntry
	wg           sync.WaitGroup
	shutdownChan chan struct{}
}

// AuditEntry is a single audit record
type AuditEntry struct {
	ID           string
	RequestID    string
	Timestamp    time.Time
	Operation    string // "submit" or "status"
	RunID        string
	ThreadID     string
	QueryHash    string
	RunStatus    string
	StatusCode   int
	LatencyMS    int64
	ErrorMessage string
}

const createAuditTableSQL = `
CREATE TABLE IF NOT EXISTS relay_audit_log (
	id            UUID PRIMARY KEY,
	request_id    UUID NOT NULL,
	timestamp     TIMESTAMPTZ NOT NULL,
	operation     TEXT NOT NULL,
	run_id        TEXT,
	thread_id     TEXT,
	query_hash    TEXT,
	run_status    TEXT,
	status_code   INT,
	latency_ms    BIGINT,
	error_message TEXT
)`

const insertAuditEntrySQL = `
INSERT INTO relay_audit_log
	(id, request_id, timestamp, operation, run_id, thread_id, query_hash, run_status, status_code, latency_ms, error_message)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

// NewAuditLogger creates a new audit logger. An empty database URL or an
// unreachable database yields a no-op logger.
func NewAuditLogger(databaseURL string) *AuditLogger {
	if databaseURL == "" {
		log.Println("DATABASE_URL not set - audit logging disabled")
		return &AuditLogger{}
	}

	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		log.Printf("Failed to connect to audit database: %v", err)
		return &AuditLogger{}
	}

	if err := db.Ping(); err != nil {
		log.Printf("Failed to ping audit database: %v", err)
		log.Println("Audit logging disabled")
		_ = db.Close()
		return &AuditLogger{}
	}

	if _, err := db.Exec(createAuditTableSQL); err != nil {
		log.Printf("Failed to create audit table: %v", err)
	}

	l := &AuditLogger{
		db:           db,
		auditQueue:   make(chan *AuditEntry, 1000),
		shutdownChan: make(chan struct{}),
	}

	l.wg.Add(1)
	go l.processAuditQueue()

	return l
}

// LogSubmission records a run submission attempt
func (l *AuditLogger) LogSubmission(requestID, runID, threadID, query string, statusCode int, latencyMs int64, errMsg string) {
	l.enqueue(&AuditEntry{
		ID:           uuid.NewString(),
		RequestID:    requestID,
		Timestamp:    time.Now().UTC(),
		Operation:    "submit",
		RunID:        runID,
		ThreadID:     threadID,
		QueryHash:    hashQuery(query),
		StatusCode:   statusCode,
		LatencyMS:    latencyMs,
		ErrorMessage: errMsg,
	})
}

// LogStatusPoll records a run status poll
func (l *AuditLogger) LogStatusPoll(requestID, runID, runStatus string, statusCode int, latencyMs int64, errMsg string) {
	l.enqueue(&AuditEntry{
		ID:           uuid.NewString(),
		RequestID:    requestID,
		Timestamp:    time.Now().UTC(),
		Operation:    "status",
		RunID:        runID,
		RunStatus:    runStatus,
		StatusCode:   statusCode,
		LatencyMS:    latencyMs,
		ErrorMessage: errMsg,
	})
}

func (l *AuditLogger) enqueue(entry *AuditEntry) {
	if l.auditQueue == nil {
		return
	}

	select {
	case l.auditQueue <- entry:
	default:
		// Queue full: drop rather than block the request path
		log.Printf("Audit queue full, dropping entry for request %s", entry.RequestID)
	}
}

func (l *AuditLogger) processAuditQueue() {
	defer l.wg.Done()

	for {
		select {
		case entry := <-l.auditQueue:
			if err := l.writeEntry(entry); err != nil {
				log.Printf("Failed to write audit entry: %v", err)
			}
		case <-l.shutdownChan:
			// Drain what is left before exiting
			for {
				select {
				case entry := <-l.auditQueue:
					if err := l.writeEntry(entry); err != nil {
						log.Printf("Failed to write audit entry: %v", err)
					}
				default:
					return
				}
			}
		}
	}
}

func (l *AuditLogger) writeEntry(entry *AuditEntry) error {
	_, err := l.db.Exec(insertAuditEntrySQL,
		entry.ID,
		entry.RequestID,
		entry.Timestamp,
		entry.Operation,
		entry.RunID,
		entry.ThreadID,
		entry.QueryHash,
		entry.RunStatus,
		entry.StatusCode,
		entry.LatencyMS,
		entry.ErrorMessage,
	)
	return err
}

// IsHealthy reports whether audit entries are being persisted. The no-op
// logger reports healthy: disabled auditing is not a service failure.
func (l *AuditLogger) IsHealthy() bool {
	if l.db == nil {
		return true
	}
	return l.db.Ping() == nil
}

// Close flushes pending entries and releases the database connection
func (l *AuditLogger) Close() {
	if l.db == nil {
		return
	}

	close(l.shutdownChan)
	l.wg.Wait()
	_ = l.db.Close()
}

func hashQuery(query string) string {
	sum := sha256.Sum256([]byte(query))
	return hex.EncodeToString(sum[:])
}
