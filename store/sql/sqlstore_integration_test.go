package sqlstore_test

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"testing"
	"time"

	persistence "github.com/goliatone/go-persistence-bun"
	"github.com/goliatone/go-webhook-reliability/core"
	reliabilitymigrations "github.com/goliatone/go-webhook-reliability/migrations"
	sqlstore "github.com/goliatone/go-webhook-reliability/store/sql"
	_ "github.com/mattn/go-sqlite3"
	"github.com/uptrace/bun/dialect/sqlitedialect"
)

type testPersistenceConfig struct {
	driver string
	server string
}

func (c testPersistenceConfig) GetDebug() bool {
	return false
}

func (c testPersistenceConfig) GetDriver() string {
	return c.driver
}

func (c testPersistenceConfig) GetServer() string {
	return c.server
}

func (c testPersistenceConfig) GetPingTimeout() time.Duration {
	return time.Second
}

func (c testPersistenceConfig) GetOtelIdentifier() string {
	return "go-webhook-reliability-tests"
}

func TestMigrationSmokeApplySQLite(t *testing.T) {
	client, cleanup := newSQLiteClient(t)
	defer cleanup()

	for _, table := range []string{
		"webhook_idempotency_records",
		"webhook_delivery_tracking",
		"webhook_dead_letter_tasks",
	} {
		var tableName string
		if err := client.DB().NewRaw(
			"SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?",
			table,
		).Scan(context.Background(), &tableName); err != nil {
			t.Fatalf("query sqlite master for %s: %v", table, err)
		}
		if tableName != table {
			t.Fatalf("expected %s table, got %q", table, tableName)
		}
	}
}

func TestIdempotencyStore_UniqueKeyAndContinuationReplace(t *testing.T) {
	ctx := context.Background()
	client, cleanup := newSQLiteClient(t)
	defer cleanup()

	factory, err := sqlstore.NewRepositoryFactoryFromPersistence(client)
	if err != nil {
		t.Fatalf("new repository factory: %v", err)
	}
	store := factory.IdempotencyStore()

	now := time.Now().UTC()
	record := core.IdempotencyRecord{
		Key:         "key-1",
		Platform:    core.PlatformMeta,
		EventType:   "page.lead",
		Result:      core.ProcessingResultTemporaryFailure,
		ProcessedAt: now,
		WebhookID:   "wh-1",
		ExpiresAt:   now.Add(time.Hour),
	}
	if err := store.Record(ctx, record); err != nil {
		t.Fatalf("record continuation: %v", err)
	}

	found, ok, err := store.Check(ctx, "key-1")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !ok {
		t.Fatalf("expected recorded key to be found")
	}
	if found.Result != core.ProcessingResultTemporaryFailure {
		t.Fatalf("expected temporary_failure result, got %q", found.Result)
	}

	record.Result = core.ProcessingResultSuccess
	record.WebhookID = "wh-1-retry"
	if err := store.Record(ctx, record); err != nil {
		t.Fatalf("record terminal over continuation: %v", err)
	}
	found, ok, err = store.Check(ctx, "key-1")
	if err != nil || !ok {
		t.Fatalf("check after replace: ok=%v err=%v", ok, err)
	}
	if found.Result != core.ProcessingResultSuccess {
		t.Fatalf("expected terminal result to replace continuation, got %q", found.Result)
	}
	if found.WebhookID != "wh-1-retry" {
		t.Fatalf("expected replaced webhook id, got %q", found.WebhookID)
	}

	record.Result = core.ProcessingResultTemporaryFailure
	if err := store.Record(ctx, record); err != nil {
		t.Fatalf("record continuation over terminal: %v", err)
	}
	found, _, err = store.Check(ctx, "key-1")
	if err != nil {
		t.Fatalf("check after sticky terminal: %v", err)
	}
	if found.Result != core.ProcessingResultSuccess {
		t.Fatalf("expected terminal result to stick, got %q", found.Result)
	}
}

func TestIdempotencyStore_PurgeExpired(t *testing.T) {
	ctx := context.Background()
	client, cleanup := newSQLiteClient(t)
	defer cleanup()

	factory, err := sqlstore.NewRepositoryFactoryFromPersistence(client)
	if err != nil {
		t.Fatalf("new repository factory: %v", err)
	}
	store := factory.IdempotencyStore()

	now := time.Now().UTC()
	for i, expiry := range []time.Time{now.Add(-time.Hour), now.Add(time.Hour)} {
		err := store.Record(ctx, core.IdempotencyRecord{
			Key:         fmt.Sprintf("purge-key-%d", i),
			Platform:    core.PlatformStripe,
			Result:      core.ProcessingResultSuccess,
			ProcessedAt: now,
			ExpiresAt:   expiry,
		})
		if err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
	}

	purged, err := store.PurgeExpired(ctx, now)
	if err != nil {
		t.Fatalf("purge expired: %v", err)
	}
	if purged != 1 {
		t.Fatalf("expected 1 purged record, got %d", purged)
	}

	stats, err := store.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 1 {
		t.Fatalf("expected 1 remaining record, got %d", stats.Total)
	}
}

func TestDeliveryStore_ReserveClaimSemantics(t *testing.T) {
	ctx := context.Background()
	client, cleanup := newSQLiteClient(t)
	defer cleanup()

	factory, err := sqlstore.NewRepositoryFactoryFromPersistence(client)
	if err != nil {
		t.Fatalf("new repository factory: %v", err)
	}
	store := factory.DeliveryStore()
	tenant := core.TenantRef{OrganizationID: "org-1"}

	record, inFlight, err := store.Reserve(ctx, "wh-claim", core.PlatformMeta, "page.lead", tenant)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if inFlight {
		t.Fatalf("expected fresh reservation, got in flight")
	}
	if record.Status != core.DeliveryStatusProcessing || record.AttemptCount != 1 {
		t.Fatalf("expected processing attempt 1, got %s/%d", record.Status, record.AttemptCount)
	}

	_, inFlight, err = store.Reserve(ctx, "wh-claim", core.PlatformMeta, "page.lead", tenant)
	if err != nil {
		t.Fatalf("reserve while processing: %v", err)
	}
	if !inFlight {
		t.Fatalf("expected in-flight signal while processing")
	}

	_, err = store.MarkRetrying(ctx, "wh-claim", core.FailureReasonTimeout, "deadline exceeded", time.Now().UTC())
	if err != nil {
		t.Fatalf("mark retrying: %v", err)
	}

	record, inFlight, err = store.Reserve(ctx, "wh-claim", core.PlatformMeta, "page.lead", tenant)
	if err != nil {
		t.Fatalf("reserve retrying row: %v", err)
	}
	if inFlight {
		t.Fatalf("expected retrying row to be claimable")
	}
	if record.Status != core.DeliveryStatusProcessing || record.AttemptCount != 2 {
		t.Fatalf("expected processing attempt 2, got %s/%d", record.Status, record.AttemptCount)
	}

	record, err = store.MarkDelivered(ctx, "wh-claim", 120*time.Millisecond)
	if err != nil {
		t.Fatalf("mark delivered: %v", err)
	}
	if record.Status != core.DeliveryStatusDelivered {
		t.Fatalf("expected delivered status, got %s", record.Status)
	}
	if record.DeliveredAt == nil {
		t.Fatalf("expected delivered_at to be set")
	}
	if record.NextRetryAt != nil {
		t.Fatalf("expected next_retry_at cleared on delivery")
	}

	// A delivered row is not claimable; the in-flight signal carries the
	// terminal status so callers can tell a finished delivery from a live one.
	record, inFlight, err = store.Reserve(ctx, "wh-claim", core.PlatformMeta, "page.lead", tenant)
	if err != nil {
		t.Fatalf("reserve delivered row: %v", err)
	}
	if !inFlight {
		t.Fatalf("expected delivered row to refuse a new claim")
	}
	if record.Status != core.DeliveryStatusDelivered {
		t.Fatalf("expected delivered status on refused claim, got %s", record.Status)
	}
	if record.AttemptCount != 2 {
		t.Fatalf("expected attempt count preserved, got %d", record.AttemptCount)
	}
}

func TestDeliveryStore_MarkDuplicateIgnoredKeepsAttribution(t *testing.T) {
	ctx := context.Background()
	client, cleanup := newSQLiteClient(t)
	defer cleanup()

	factory, err := sqlstore.NewRepositoryFactoryFromPersistence(client)
	if err != nil {
		t.Fatalf("new repository factory: %v", err)
	}
	store := factory.DeliveryStore()
	tenant := core.TenantRef{OrganizationID: "org-9", UserID: "user-9"}

	// Duplicate caught before any reservation: the synthesized row must
	// keep the event's platform, type, and tenant.
	record, err := store.MarkDuplicateIgnored(ctx, "wh-dup-fresh", core.PlatformStripe, "invoice.paid", tenant)
	if err != nil {
		t.Fatalf("mark duplicate ignored: %v", err)
	}
	if record.Status != core.DeliveryStatusDuplicateIgnored {
		t.Fatalf("expected duplicate_ignored, got %s", record.Status)
	}
	if record.Platform != core.PlatformStripe {
		t.Fatalf("expected stripe platform, got %q", record.Platform)
	}
	if record.EventType != "invoice.paid" {
		t.Fatalf("expected event type carried over, got %q", record.EventType)
	}
	if record.Tenant.OrgID() != "org-9" {
		t.Fatalf("expected tenant carried over, got %q", record.Tenant.OrgID())
	}

	// An existing pending row keeps its own attribution and flips status.
	stored, err := store.Get(ctx, "wh-dup-fresh")
	if err != nil {
		t.Fatalf("get synthesized row: %v", err)
	}
	if stored.Platform != core.PlatformStripe || stored.EventType != "invoice.paid" {
		t.Fatalf("persisted row lost attribution: %q/%q", stored.Platform, stored.EventType)
	}
}

func TestDeliveryStore_DueForRetryAndReclaimStale(t *testing.T) {
	ctx := context.Background()
	client, cleanup := newSQLiteClient(t)
	defer cleanup()

	factory, err := sqlstore.NewRepositoryFactoryFromPersistence(client)
	if err != nil {
		t.Fatalf("new repository factory: %v", err)
	}
	store := factory.DeliveryStore()
	tenant := core.TenantRef{OrganizationID: "org-1"}

	if _, _, err := store.Reserve(ctx, "wh-due", core.PlatformStripe, "invoice.paid", tenant); err != nil {
		t.Fatalf("reserve due row: %v", err)
	}
	past := time.Now().UTC().Add(-time.Minute)
	if _, err := store.MarkRetrying(ctx, "wh-due", core.FailureReasonNetworkError, "connection reset", past); err != nil {
		t.Fatalf("mark retrying: %v", err)
	}

	if _, _, err := store.Reserve(ctx, "wh-stale", core.PlatformStripe, "invoice.paid", tenant); err != nil {
		t.Fatalf("reserve stale row: %v", err)
	}

	due, err := store.DueForRetry(ctx, time.Now().UTC(), 10)
	if err != nil {
		t.Fatalf("due for retry: %v", err)
	}
	if len(due) != 1 || due[0].WebhookID != "wh-due" {
		t.Fatalf("expected wh-due in due list, got %+v", due)
	}

	reclaimed, err := store.ReclaimStale(ctx, time.Now().UTC().Add(time.Minute), 10)
	if err != nil {
		t.Fatalf("reclaim stale: %v", err)
	}
	if len(reclaimed) != 1 || reclaimed[0].WebhookID != "wh-stale" {
		t.Fatalf("expected wh-stale reclaimed, got %+v", reclaimed)
	}
	if reclaimed[0].Status != core.DeliveryStatusRetrying {
		t.Fatalf("expected reclaimed row to be retrying, got %s", reclaimed[0].Status)
	}
	if reclaimed[0].FailureReason != core.FailureReasonTimeout {
		t.Fatalf("expected timeout failure reason, got %s", reclaimed[0].FailureReason)
	}
	if reclaimed[0].NextRetryAt == nil {
		t.Fatalf("expected reclaimed row to carry next_retry_at")
	}
}

func TestDeliveryStore_PayloadRoundTrip(t *testing.T) {
	ctx := context.Background()
	client, cleanup := newSQLiteClient(t)
	defer cleanup()

	factory, err := sqlstore.NewRepositoryFactoryFromPersistence(client)
	if err != nil {
		t.Fatalf("new repository factory: %v", err)
	}
	store := factory.SQLDeliveryStore()

	tenant := core.TenantRef{OrganizationID: "org-1", UserID: "usr-1"}
	if _, _, err := store.Reserve(ctx, "wh-payload", core.PlatformMeta, "page.lead", tenant); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	payload := []byte(`{"entry":[{"id":"1"}]}`)
	headers := map[string]string{"X-Hub-Signature-256": "sha256=abc"}
	if err := store.SavePayload(ctx, "wh-payload", payload, "sha256=abc", headers); err != nil {
		t.Fatalf("save payload: %v", err)
	}

	loaded, signature, loadedHeaders, err := store.LoadPayload(ctx, "wh-payload")
	if err != nil {
		t.Fatalf("load payload: %v", err)
	}
	if string(loaded) != string(payload) {
		t.Fatalf("expected payload round trip, got %q", string(loaded))
	}
	if signature != "sha256=abc" {
		t.Fatalf("expected signature round trip, got %q", signature)
	}
	if loadedHeaders["X-Hub-Signature-256"] != "sha256=abc" {
		t.Fatalf("expected headers round trip, got %+v", loadedHeaders)
	}

	if _, _, _, err := store.LoadPayload(ctx, "wh-unknown"); !errors.Is(err, core.ErrDeliveryNotFound) {
		t.Fatalf("expected delivery not found, got %v", err)
	}
}

func TestDeadLetterStore_UpsertRequeueCleanup(t *testing.T) {
	ctx := context.Background()
	client, cleanup := newSQLiteClient(t)
	defer cleanup()

	factory, err := sqlstore.NewRepositoryFactoryFromPersistence(client)
	if err != nil {
		t.Fatalf("new repository factory: %v", err)
	}
	store := factory.DeadLetterStore()

	failure := core.DeadLetterFailure{
		TaskID:        "task-1",
		TaskName:      "webhook.process",
		QueueName:     "webhooks",
		Tenant:        core.TenantRef{OrganizationID: "org-1"},
		FailureReason: core.FailureReasonMaxRetriesExceeded,
		ErrorMessage:  "upstream api returned status 503",
		RetryCount:    5,
	}
	task, err := store.RecordFailure(ctx, failure)
	if err != nil {
		t.Fatalf("record failure: %v", err)
	}
	if task.RequiresManualReview {
		t.Fatalf("max retries exhaustion should not require manual review")
	}

	failure.FailureReason = core.FailureReasonInvalidData
	failure.ErrorMessage = "missing lead id"
	failure.RetryCount = 6
	task, err = store.RecordFailure(ctx, failure)
	if err != nil {
		t.Fatalf("upsert failure: %v", err)
	}
	if !task.RequiresManualReview {
		t.Fatalf("invalid data should require manual review")
	}
	if task.RetryCount != 6 {
		t.Fatalf("expected retry count updated to 6, got %d", task.RetryCount)
	}
	if task.LastRetryAt == nil {
		t.Fatalf("expected last_retry_at on repeat failure")
	}

	all, err := store.List(ctx, core.DeadLetterFilter{QueueName: "webhooks"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("expected single upserted row, got %d", len(all))
	}

	requeued, err := store.Requeue(ctx, "task-1")
	if err != nil {
		t.Fatalf("requeue: %v", err)
	}
	if !requeued {
		t.Fatalf("expected first requeue to succeed")
	}
	requeued, err = store.Requeue(ctx, "task-1")
	if err != nil {
		t.Fatalf("second requeue: %v", err)
	}
	if requeued {
		t.Fatalf("expected second requeue to be a no-op")
	}
	if _, err := store.Requeue(ctx, "task-missing"); !errors.Is(err, core.ErrDeadLetterNotFound) {
		t.Fatalf("expected dead letter not found, got %v", err)
	}

	if _, err := store.RecordFailure(ctx, core.DeadLetterFailure{
		TaskID:        "task-kept",
		QueueName:     "webhooks",
		FailureReason: core.FailureReasonInternalError,
		ErrorMessage:  "nil pointer in mapper",
	}); err != nil {
		t.Fatalf("record kept failure: %v", err)
	}

	deleted, err := store.CleanupRequeued(ctx, time.Now().UTC().Add(time.Minute))
	if err != nil {
		t.Fatalf("cleanup requeued: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("expected only the requeued row deleted, got %d", deleted)
	}

	if _, err := store.Get(ctx, "task-kept"); err != nil {
		t.Fatalf("expected un-requeued row to survive cleanup: %v", err)
	}

	stats, err := store.HealthStats(ctx)
	if err != nil {
		t.Fatalf("health stats: %v", err)
	}
	if stats.Total != 1 {
		t.Fatalf("expected 1 remaining task, got %d", stats.Total)
	}
	if stats.ManualReviewCount != 1 {
		t.Fatalf("expected 1 manual review task, got %d", stats.ManualReviewCount)
	}
	if stats.Recent24h != 1 {
		t.Fatalf("expected 1 recent task, got %d", stats.Recent24h)
	}
}

func newSQLiteClient(t *testing.T) (*persistence.Client, func()) {
	t.Helper()

	dsn := fmt.Sprintf(
		"file:reliability-test-%d?mode=memory&cache=shared&_foreign_keys=on",
		time.Now().UnixNano(),
	)
	sqlDB, err := sql.Open("sqlite3", dsn)
	if err != nil {
		t.Fatalf("open sqlite db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	cfg := testPersistenceConfig{
		driver: "sqlite3",
		server: dsn,
	}
	client, err := persistence.New(cfg, sqlDB, sqlitedialect.New())
	if err != nil {
		_ = sqlDB.Close()
		t.Fatalf("new persistence client: %v", err)
	}

	ctx := context.Background()
	_, err = reliabilitymigrations.Register(ctx, func(_ context.Context, dialect string, _ string, fsys fs.FS) error {
		if dialect != reliabilitymigrations.DialectSQLite {
			return nil
		}
		client.RegisterSQLMigrations(fsys)
		return nil
	}, reliabilitymigrations.WithValidationTargets(reliabilitymigrations.DialectSQLite))
	if err != nil {
		_ = client.Close()
		t.Fatalf("register migrations: %v", err)
	}
	if err := client.Migrate(ctx); err != nil {
		_ = client.Close()
		t.Fatalf("migrate: %v", err)
	}

	return client, func() {
		_ = client.Close()
	}
}
