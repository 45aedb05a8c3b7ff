package storage

import (
	"context"
	"testing"
	"time"

	"github.com/opmsync-io/opmsync/internal/queue"
)

// triggerCounts returns the queue and change log row counts for one item.
func triggerCounts(ctx context.Context, t *testing.T, conn *Connection, itemID int64) (int, int) {
	t.Helper()

	var jobs, changes int

	err := conn.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM opms_sync_queue WHERE item_id = $1),
			(SELECT COUNT(*) FROM opms_change_log WHERE item_id = $1)
	`, itemID).Scan(&jobs, &changes)
	if err != nil {
		t.Fatalf("failed to count trigger rows for item %d: %v", itemID, err)
	}

	return jobs, changes
}

// latestTriggerJob loads the newest queue row for an item through the store
// so the trigger-written event_data passes the same parsing the dispatcher
// relies on.
func latestTriggerJob(ctx context.Context, t *testing.T, conn *Connection, store *QueueStore, itemID int64) *queue.SyncJob {
	t.Helper()

	var id int64

	err := conn.QueryRowContext(ctx,
		`SELECT id FROM opms_sync_queue WHERE item_id = $1 ORDER BY id DESC LIMIT 1`, itemID,
	).Scan(&id)
	if err != nil {
		t.Fatalf("failed to find queue row for item %d: %v", itemID, err)
	}

	job, err := store.Job(ctx, id)
	if err != nil {
		t.Fatalf("Job(%d) error = %v", id, err)
	}

	return job
}

// completeLiveJob claims the single live job, checks it belongs to the item,
// and completes it so the dedup index frees up for the next event.
func completeLiveJob(ctx context.Context, t *testing.T, store *QueueStore, itemID int64) {
	t.Helper()

	claimed, err := store.ClaimNext(ctx, 10)
	if err != nil {
		t.Fatalf("ClaimNext() error = %v", err)
	}

	if len(claimed) != 1 || claimed[0].ItemID != itemID {
		t.Fatalf("ClaimNext() = %d jobs, want exactly the live job for item %d", len(claimed), itemID)
	}

	result := &queue.ProcessingResult{Outcome: queue.OutcomeSynced, Operation: "update"}

	if err := store.Mark(ctx, claimed[0].ID, queue.JobStatusCompleted, result, ""); err != nil {
		t.Fatalf("Mark(%d) error = %v", claimed[0].ID, err)
	}
}

func TestChangeCaptureItemTrigger(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	container, conn := setupTestDatabase(ctx, t)

	defer func() {
		_ = conn.Close()
		_ = container.Terminate(ctx)
	}()

	store := newTestQueueStore(t, conn)

	var productID int64

	err := conn.QueryRowContext(ctx, `
		WITH v AS (INSERT INTO opms_vendor (name) VALUES ('Mills & Co') RETURNING id)
		INSERT INTO opms_product (name, vendor_id)
		SELECT 'Coastal Stripe', id FROM v
		RETURNING id
	`).Scan(&productID)
	if err != nil {
		t.Fatalf("failed to seed catalog: %v", err)
	}

	var queued int
	if err := conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM opms_sync_queue`).Scan(&queued); err != nil {
		t.Fatalf("failed to count queue: %v", err)
	}

	if queued != 0 {
		t.Fatalf("queue has %d jobs before any item exists, want 0", queued)
	}

	// A live insert becomes a CREATE job plus one change log row.
	var itemID int64

	err = conn.QueryRowContext(ctx,
		`INSERT INTO opms_item (code, product_type, product_id) VALUES ('1354-6543', 'R', $1) RETURNING id`,
		productID,
	).Scan(&itemID)
	if err != nil {
		t.Fatalf("failed to insert item: %v", err)
	}

	jobs, changes := triggerCounts(ctx, t, conn, itemID)
	if jobs != 1 || changes != 1 {
		t.Fatalf("after live insert: %d jobs / %d change rows, want 1 / 1", jobs, changes)
	}

	job := latestTriggerJob(ctx, t, conn, store, itemID)

	if job.EventType != queue.EventTypeCreate {
		t.Errorf("insert job event_type = %q, want CREATE", job.EventType)
	}

	if job.Status != queue.JobStatusPending {
		t.Errorf("insert job status = %q, want PENDING", job.Status)
	}

	if job.Priority != queue.PriorityNormal {
		t.Errorf("insert job priority = %q, want NORMAL", job.Priority)
	}

	if job.MaxRetries != queue.DefaultMaxRetries {
		t.Errorf("insert job max_retries = %d, want %d", job.MaxRetries, queue.DefaultMaxRetries)
	}

	if job.ProductID != productID {
		t.Errorf("insert job product_id = %d, want %d", job.ProductID, productID)
	}

	data := job.EventData

	if data.Source != queue.SourceTrigger || !data.LiveSync {
		t.Errorf("insert job event_data = source %q live_sync %v, want TRIGGER/true", data.Source, data.LiveSync)
	}

	if data.TriggerTable != "opms_item" || data.TriggerOp != "INSERT" {
		t.Errorf("insert job provenance = %s/%s, want opms_item/INSERT", data.TriggerTable, data.TriggerOp)
	}

	if len(data.ChangedFields) != 0 {
		t.Errorf("insert job changed_fields = %v, want empty", data.ChangedFields)
	}

	var loggedOp string
	if err := conn.QueryRowContext(ctx,
		`SELECT operation FROM opms_change_log WHERE item_id = $1`, itemID,
	).Scan(&loggedOp); err != nil {
		t.Fatalf("failed to read change log: %v", err)
	}

	if loggedOp != "CREATE" {
		t.Errorf("change log operation = %q, want CREATE", loggedOp)
	}

	// Digital items, malformed codes, and already-archived rows never enqueue.
	invisible := []struct {
		name string
		sql  string
	}{
		{"digital item", `INSERT INTO opms_item (code, product_type, product_id) VALUES ('7777-8888', 'D', $1) RETURNING id`},
		{"digital code", `INSERT INTO opms_item (code, product_type, product_id) VALUES ('digital-swatch', 'R', $1) RETURNING id`},
		{"malformed code", `INSERT INTO opms_item (code, product_type, product_id) VALUES ('LEGACY-1', 'R', $1) RETURNING id`},
		{"archived insert", `INSERT INTO opms_item (code, product_type, product_id, archived) VALUES ('2222-3333', 'R', $1, 'Y') RETURNING id`},
	}

	for _, tc := range invisible {
		var id int64
		if err := conn.QueryRowContext(ctx, tc.sql, productID).Scan(&id); err != nil {
			t.Fatalf("failed to insert %s: %v", tc.name, err)
		}

		if j, c := triggerCounts(ctx, t, conn, id); j != 0 || c != 0 {
			t.Errorf("%s enqueued %d jobs / %d change rows, want none", tc.name, j, c)
		}
	}

	// While the CREATE job is live, further edits dedup silently: no second
	// job and no change log row.
	if _, err := conn.ExecContext(ctx,
		`UPDATE opms_item SET upc_code = '123456789012' WHERE id = $1`, itemID,
	); err != nil {
		t.Fatalf("failed to update item: %v", err)
	}

	if j, c := triggerCounts(ctx, t, conn, itemID); j != 1 || c != 1 {
		t.Errorf("edit during live job: %d jobs / %d change rows, want still 1 / 1", j, c)
	}

	// Once the job reaches a terminal state the same edit enqueues again.
	completeLiveJob(ctx, t, store, itemID)

	if _, err := conn.ExecContext(ctx,
		`UPDATE opms_item SET upc_code = '999999999999' WHERE id = $1`, itemID,
	); err != nil {
		t.Fatalf("failed to update item: %v", err)
	}

	if j, c := triggerCounts(ctx, t, conn, itemID); j != 2 || c != 2 {
		t.Fatalf("edit after completion: %d jobs / %d change rows, want 2 / 2", j, c)
	}

	job = latestTriggerJob(ctx, t, conn, store, itemID)

	if job.EventType != queue.EventTypeUpdate {
		t.Errorf("update job event_type = %q, want UPDATE", job.EventType)
	}

	if len(job.EventData.ChangedFields) != 1 || job.EventData.ChangedFields[0] != "upc_code" {
		t.Errorf("update job changed_fields = %v, want [upc_code]", job.EventData.ChangedFields)
	}

	// Writes that change nothing detect nothing.
	completeLiveJob(ctx, t, store, itemID)

	if _, err := conn.ExecContext(ctx,
		`UPDATE opms_item SET upc_code = '999999999999' WHERE id = $1`, itemID,
	); err != nil {
		t.Fatalf("failed to re-write item: %v", err)
	}

	if j, c := triggerCounts(ctx, t, conn, itemID); j != 2 || c != 2 {
		t.Errorf("no-op write: %d jobs / %d change rows, want still 2 / 2", j, c)
	}

	// Archiving reads as the delete.
	if _, err := conn.ExecContext(ctx,
		`UPDATE opms_item SET archived = 'Y' WHERE id = $1`, itemID,
	); err != nil {
		t.Fatalf("failed to archive item: %v", err)
	}

	if j, c := triggerCounts(ctx, t, conn, itemID); j != 3 || c != 3 {
		t.Fatalf("archive: %d jobs / %d change rows, want 3 / 3", j, c)
	}

	job = latestTriggerJob(ctx, t, conn, store, itemID)

	if job.EventType != queue.EventTypeDelete {
		t.Errorf("archive job event_type = %q, want DELETE", job.EventType)
	}

	if len(job.EventData.ChangedFields) != 1 || job.EventData.ChangedFields[0] != "archived" {
		t.Errorf("archive job changed_fields = %v, want [archived]", job.EventData.ChangedFields)
	}

	// Edits to the archived row stay invisible, and so does its physical
	// delete.
	completeLiveJob(ctx, t, store, itemID)

	if _, err := conn.ExecContext(ctx,
		`UPDATE opms_item SET upc_code = '111111111111' WHERE id = $1`, itemID,
	); err != nil {
		t.Fatalf("failed to edit archived item: %v", err)
	}

	if _, err := conn.ExecContext(ctx, `DELETE FROM opms_item WHERE id = $1`, itemID); err != nil {
		t.Fatalf("failed to delete archived item: %v", err)
	}

	if j, c := triggerCounts(ctx, t, conn, itemID); j != 3 || c != 3 {
		t.Errorf("archived edits and delete: %d jobs / %d change rows, want still 3 / 3", j, c)
	}

	// Physically deleting a live row records a DELETE event with the real
	// trigger operation.
	var liveID int64

	err = conn.QueryRowContext(ctx,
		`INSERT INTO opms_item (code, product_type, product_id) VALUES ('4444-5555', 'R', $1) RETURNING id`,
		productID,
	).Scan(&liveID)
	if err != nil {
		t.Fatalf("failed to insert second item: %v", err)
	}

	completeLiveJob(ctx, t, store, liveID)

	if _, err := conn.ExecContext(ctx, `DELETE FROM opms_item WHERE id = $1`, liveID); err != nil {
		t.Fatalf("failed to delete live item: %v", err)
	}

	job = latestTriggerJob(ctx, t, conn, store, liveID)

	if job.EventType != queue.EventTypeDelete {
		t.Errorf("delete job event_type = %q, want DELETE", job.EventType)
	}

	if job.EventData.TriggerOp != "DELETE" {
		t.Errorf("delete job trigger_op = %q, want DELETE", job.EventData.TriggerOp)
	}

	// The kill switch silences detection entirely; nothing is queued for
	// replay when it comes back on.
	gate, err := NewConfigGate(conn, time.Hour)
	if err != nil {
		t.Fatalf("NewConfigGate() error = %v", err)
	}

	if err := gate.SetEnabled(ctx, false, "ops@example.com"); err != nil {
		t.Fatalf("SetEnabled(false) error = %v", err)
	}

	var mutedID int64

	err = conn.QueryRowContext(ctx,
		`INSERT INTO opms_item (code, product_type, product_id) VALUES ('5555-6666', 'R', $1) RETURNING id`,
		productID,
	).Scan(&mutedID)
	if err != nil {
		t.Fatalf("failed to insert item while disabled: %v", err)
	}

	if j, c := triggerCounts(ctx, t, conn, mutedID); j != 0 || c != 0 {
		t.Errorf("insert while disabled: %d jobs / %d change rows, want none", j, c)
	}

	if err := gate.SetEnabled(ctx, true, "ops@example.com"); err != nil {
		t.Fatalf("SetEnabled(true) error = %v", err)
	}

	if _, err := conn.ExecContext(ctx,
		`UPDATE opms_item SET upc_code = '222222222222' WHERE id = $1`, mutedID,
	); err != nil {
		t.Fatalf("failed to update item after re-enable: %v", err)
	}

	if j, c := triggerCounts(ctx, t, conn, mutedID); j != 1 || c != 1 {
		t.Errorf("edit after re-enable: %d jobs / %d change rows, want 1 / 1", j, c)
	}
}

func TestChangeCaptureProductTrigger(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	container, conn := setupTestDatabase(ctx, t)

	defer func() {
		_ = conn.Close()
		_ = container.Terminate(ctx)
	}()

	store := newTestQueueStore(t, conn)

	var productID int64

	err := conn.QueryRowContext(ctx, `
		WITH v AS (INSERT INTO opms_vendor (name) VALUES ('Mills & Co') RETURNING id)
		INSERT INTO opms_product (name, vendor_id)
		SELECT 'Coastal Stripe', id FROM v
		RETURNING id
	`).Scan(&productID)
	if err != nil {
		t.Fatalf("failed to seed catalog: %v", err)
	}

	// Two syncable items and three that the fan-out filters must skip.
	var rollID, sampleID int64

	if err := conn.QueryRowContext(ctx,
		`INSERT INTO opms_item (code, product_type, product_id) VALUES ('1354-6543', 'R', $1) RETURNING id`,
		productID,
	).Scan(&rollID); err != nil {
		t.Fatalf("failed to insert roll item: %v", err)
	}

	completeLiveJob(ctx, t, store, rollID)

	if err := conn.QueryRowContext(ctx,
		`INSERT INTO opms_item (code, product_type, product_id) VALUES ('1354-6543S', 'S', $1) RETURNING id`,
		productID,
	).Scan(&sampleID); err != nil {
		t.Fatalf("failed to insert sample item: %v", err)
	}

	completeLiveJob(ctx, t, store, sampleID)

	_, err = conn.ExecContext(ctx, `
		INSERT INTO opms_item (code, product_type, product_id, archived) VALUES
			('7777-8888', 'D', $1, 'N'),
			('LEGACY-1',  'R', $1, 'N'),
			('3333-4444', 'R', $1, 'Y')
	`, productID)
	if err != nil {
		t.Fatalf("failed to insert filtered items: %v", err)
	}

	var total int
	if err := conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM opms_sync_queue`).Scan(&total); err != nil {
		t.Fatalf("failed to count queue: %v", err)
	}

	if total != 2 {
		t.Fatalf("queue has %d jobs after seeding, want the 2 completed insert jobs", total)
	}

	// A payload-relevant product edit fans out one UPDATE job per live,
	// syncable item.
	if _, err := conn.ExecContext(ctx,
		`UPDATE opms_product SET width = 54.00 WHERE id = $1`, productID,
	); err != nil {
		t.Fatalf("failed to update product: %v", err)
	}

	for _, id := range []int64{rollID, sampleID} {
		if j, c := triggerCounts(ctx, t, conn, id); j != 2 || c != 2 {
			t.Fatalf("fan-out for item %d: %d jobs / %d change rows, want 2 / 2", id, j, c)
		}

		job := latestTriggerJob(ctx, t, conn, store, id)

		if job.EventType != queue.EventTypeUpdate {
			t.Errorf("fan-out job event_type = %q, want UPDATE", job.EventType)
		}

		if job.ProductID != productID {
			t.Errorf("fan-out job product_id = %d, want %d", job.ProductID, productID)
		}

		if job.EventData.TriggerTable != "opms_product" || job.EventData.TriggerOp != "UPDATE" {
			t.Errorf("fan-out job provenance = %s/%s, want opms_product/UPDATE",
				job.EventData.TriggerTable, job.EventData.TriggerOp)
		}

		if len(job.EventData.ChangedFields) != 1 || job.EventData.ChangedFields[0] != "width" {
			t.Errorf("fan-out job changed_fields = %v, want [width]", job.EventData.ChangedFields)
		}
	}

	if err := conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM opms_sync_queue`).Scan(&total); err != nil {
		t.Fatalf("failed to count queue: %v", err)
	}

	if total != 4 {
		t.Errorf("queue has %d jobs after fan-out, want 4: the filtered items must not enqueue", total)
	}

	// While the fan-out jobs are live, another edit dedups to nothing.
	if _, err := conn.ExecContext(ctx,
		`UPDATE opms_product SET vertical_repeat = 12.5 WHERE id = $1`, productID,
	); err != nil {
		t.Fatalf("failed to update product again: %v", err)
	}

	if j, c := triggerCounts(ctx, t, conn, rollID); j != 2 || c != 2 {
		t.Errorf("edit during live fan-out: %d jobs / %d change rows, want still 2 / 2", j, c)
	}

	// Drain both live jobs.
	claimed, err := store.ClaimNext(ctx, 10)
	if err != nil {
		t.Fatalf("ClaimNext() error = %v", err)
	}

	if len(claimed) != 2 {
		t.Fatalf("ClaimNext() = %d jobs, want the 2 fan-out jobs", len(claimed))
	}

	for _, job := range claimed {
		result := &queue.ProcessingResult{Outcome: queue.OutcomeSynced, Operation: "update"}
		if err := store.Mark(ctx, job.ID, queue.JobStatusCompleted, result, ""); err != nil {
			t.Fatalf("Mark(%d) error = %v", job.ID, err)
		}
	}

	// Archiving the product is itself a change the items must sync.
	if _, err := conn.ExecContext(ctx,
		`UPDATE opms_product SET archived = 'Y' WHERE id = $1`, productID,
	); err != nil {
		t.Fatalf("failed to archive product: %v", err)
	}

	job := latestTriggerJob(ctx, t, conn, store, rollID)

	if len(job.EventData.ChangedFields) != 1 || job.EventData.ChangedFields[0] != "archived" {
		t.Errorf("archive fan-out changed_fields = %v, want [archived]", job.EventData.ChangedFields)
	}

	// Further edits to the archived product stay invisible.
	claimed, err = store.ClaimNext(ctx, 10)
	if err != nil {
		t.Fatalf("ClaimNext() error = %v", err)
	}

	for _, job := range claimed {
		result := &queue.ProcessingResult{Outcome: queue.OutcomeSynced, Operation: "update"}
		if err := store.Mark(ctx, job.ID, queue.JobStatusCompleted, result, ""); err != nil {
			t.Fatalf("Mark(%d) error = %v", job.ID, err)
		}
	}

	if _, err := conn.ExecContext(ctx,
		`UPDATE opms_product SET width = 60.00 WHERE id = $1`, productID,
	); err != nil {
		t.Fatalf("failed to edit archived product: %v", err)
	}

	if j, c := triggerCounts(ctx, t, conn, rollID); j != 3 || c != 3 {
		t.Errorf("archived product edit: %d jobs / %d change rows, want still 3 / 3", j, c)
	}
}
