//go:build integration

package thread

import (
	"context"
	"errors"
	"log"
	"os"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/strandhq/strand/internal/testutil"
)

var sharedDB *testutil.TestDBContainer

func TestMain(m *testing.M) {
	var cleanup func()
	var err error
	sharedDB, cleanup, err = testutil.SetupTestDBForMain()
	if err != nil {
		log.Fatalf("starting test database: %v", err)
	}
	code := m.Run()
	cleanup()
	os.Exit(code)
}

// setupStore creates a Store on the shared database with clean tables.
func setupStore(t *testing.T) *Store {
	t.Helper()

	testutil.CleanTables(t, sharedDB.Pool)

	store, err := NewStore(sharedDB.Pool, testutil.DiscardLogger())
	if err != nil {
		t.Fatalf("NewStore() unexpected error: %v", err)
	}
	return store
}

func TestCreateAndGet(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	owner := uuid.New()

	created, err := store.Create(ctx, owner, "my thread")
	if err != nil {
		t.Fatalf("Create() failed: %v", err)
	}
	if created.ID == uuid.Nil {
		t.Error("created thread has nil ID")
	}
	if created.OwnerID != owner {
		t.Errorf("owner = %s, want %s", created.OwnerID, owner)
	}
	if created.Title != "my thread" {
		t.Errorf("title = %q, want %q", created.Title, "my thread")
	}

	got, err := store.Get(ctx, created.ID)
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if got.ID != created.ID || got.OwnerID != owner || got.Title != "my thread" {
		t.Errorf("Get() = %+v, want %+v", got, created)
	}
}

func TestCreateRequiresOwner(t *testing.T) {
	store := setupStore(t)

	_, err := store.Create(context.Background(), uuid.Nil, "")
	if !errors.Is(err, ErrOwnerRequired) {
		t.Errorf("Create() error = %v, want ErrOwnerRequired", err)
	}
}

func TestGetMissing(t *testing.T) {
	store := setupStore(t)

	_, err := store.Get(context.Background(), uuid.New())
	if !errors.Is(err, ErrThreadNotFound) {
		t.Errorf("Get() error = %v, want ErrThreadNotFound", err)
	}
}

func TestListOrdering(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	owner := uuid.New()

	a, err := store.Create(ctx, owner, "a")
	if err != nil {
		t.Fatalf("Create() failed: %v", err)
	}
	b, err := store.Create(ctx, owner, "b")
	if err != nil {
		t.Fatalf("Create() failed: %v", err)
	}

	// Touching a makes it the most recently active thread.
	if err := store.SetTitle(ctx, a.ID, "a updated"); err != nil {
		t.Fatalf("SetTitle() failed: %v", err)
	}

	threads, err := store.List(ctx, owner, 10, 0)
	if err != nil {
		t.Fatalf("List() failed: %v", err)
	}
	if len(threads) != 2 {
		t.Fatalf("List() returned %d threads, want 2", len(threads))
	}
	if threads[0].ID != a.ID {
		t.Errorf("first thread = %s, want recently touched %s", threads[0].ID, a.ID)
	}
	if threads[1].ID != b.ID {
		t.Errorf("second thread = %s, want %s", threads[1].ID, b.ID)
	}
}

func TestListScopedToOwner(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	mine := uuid.New()
	theirs := uuid.New()
	if _, err := store.Create(ctx, mine, "mine"); err != nil {
		t.Fatalf("Create() failed: %v", err)
	}
	if _, err := store.Create(ctx, theirs, "theirs"); err != nil {
		t.Fatalf("Create() failed: %v", err)
	}

	threads, err := store.List(ctx, mine, 10, 0)
	if err != nil {
		t.Fatalf("List() failed: %v", err)
	}
	if len(threads) != 1 || threads[0].Title != "mine" {
		t.Errorf("List() leaked threads across owners: %+v", threads)
	}
}

func TestDeleteOwnerChecks(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	owner := uuid.New()

	th, err := store.Create(ctx, owner, "")
	if err != nil {
		t.Fatalf("Create() failed: %v", err)
	}
	if _, err := store.Append(ctx, AppendParams{
		ThreadID: th.ID, Role: RoleUser, Content: "hi",
	}); err != nil {
		t.Fatalf("Append() failed: %v", err)
	}

	if err := store.Delete(ctx, th.ID, uuid.New()); !errors.Is(err, ErrForbidden) {
		t.Errorf("Delete() by stranger = %v, want ErrForbidden", err)
	}
	if err := store.Delete(ctx, uuid.New(), owner); !errors.Is(err, ErrThreadNotFound) {
		t.Errorf("Delete() of missing thread = %v, want ErrThreadNotFound", err)
	}

	if err := store.Delete(ctx, th.ID, owner); err != nil {
		t.Fatalf("Delete() failed: %v", err)
	}
	if _, err := store.Get(ctx, th.ID); !errors.Is(err, ErrThreadNotFound) {
		t.Errorf("Get() after delete = %v, want ErrThreadNotFound", err)
	}

	// Cascade removed the message rows.
	var count int
	if err := sharedDB.Pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM messages WHERE thread_id = $1`, th.ID).Scan(&count); err != nil {
		t.Fatalf("counting messages: %v", err)
	}
	if count != 0 {
		t.Errorf("expected cascade delete of messages, found %d", count)
	}
}

func TestAppendAssignsSequence(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	th, err := store.Create(ctx, uuid.New(), "")
	if err != nil {
		t.Fatalf("Create() failed: %v", err)
	}

	for i, content := range []string{"one", "two", "three"} {
		msg, appendErr := store.Append(ctx, AppendParams{
			ThreadID: th.ID, Role: RoleUser, Content: content,
		})
		if appendErr != nil {
			t.Fatalf("Append(%q) failed: %v", content, appendErr)
		}
		if want := int32(i + 1); msg.Seq != want {
			t.Errorf("Append(%q) seq = %d, want %d", content, msg.Seq, want)
		}
		if msg.Status != StatusComplete {
			t.Errorf("Append(%q) status = %q, want complete", content, msg.Status)
		}
	}
}

func TestAppendMissingThread(t *testing.T) {
	store := setupStore(t)

	_, err := store.Append(context.Background(), AppendParams{
		ThreadID: uuid.New(), Role: RoleUser, Content: "hi",
	})
	if !errors.Is(err, ErrThreadNotFound) {
		t.Errorf("Append() error = %v, want ErrThreadNotFound", err)
	}
}

func TestAppendIdempotentPerRequest(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	th, err := store.Create(ctx, uuid.New(), "")
	if err != nil {
		t.Fatalf("Create() failed: %v", err)
	}

	requestID := uuid.NewString()
	first, err := store.Append(ctx, AppendParams{
		ThreadID: th.ID, Role: RoleUser, Content: "question", RequestID: requestID,
	})
	if err != nil {
		t.Fatalf("Append() failed: %v", err)
	}

	// Same coordinates replay the stored row, even with different content.
	replayed, err := store.Append(ctx, AppendParams{
		ThreadID: th.ID, Role: RoleUser, Content: "different text", RequestID: requestID,
	})
	if err != nil {
		t.Fatalf("replay Append() failed: %v", err)
	}
	if replayed.ID != first.ID || replayed.Seq != first.Seq {
		t.Errorf("replay returned a new row: %+v vs %+v", replayed, first)
	}
	if replayed.Content != "question" {
		t.Errorf("replay content = %q, want stored %q", replayed.Content, "question")
	}

	// The assistant slot for the same request is independent.
	answer, err := store.Append(ctx, AppendParams{
		ThreadID: th.ID, Role: RoleAssistant, Content: "answer", RequestID: requestID,
	})
	if err != nil {
		t.Fatalf("assistant Append() failed: %v", err)
	}
	if answer.Seq != first.Seq+1 {
		t.Errorf("assistant seq = %d, want %d", answer.Seq, first.Seq+1)
	}

	var count int
	if err := sharedDB.Pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM messages WHERE thread_id = $1`, th.ID).Scan(&count); err != nil {
		t.Fatalf("counting messages: %v", err)
	}
	if count != 2 {
		t.Errorf("expected 2 rows after replays, found %d", count)
	}
}

func TestAppendPartialStatus(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	th, err := store.Create(ctx, uuid.New(), "")
	if err != nil {
		t.Fatalf("Create() failed: %v", err)
	}

	requestID := uuid.NewString()
	if _, err := store.Append(ctx, AppendParams{
		ThreadID:  th.ID,
		Role:      RoleAssistant,
		Content:   "partial text",
		Status:    StatusPartialCancelled,
		RequestID: requestID,
	}); err != nil {
		t.Fatalf("Append() failed: %v", err)
	}

	got, err := store.ByRequestID(ctx, th.ID, requestID, RoleAssistant)
	if err != nil {
		t.Fatalf("ByRequestID() failed: %v", err)
	}
	if got.Status != StatusPartialCancelled {
		t.Errorf("status = %q, want %q", got.Status, StatusPartialCancelled)
	}
	if got.Content != "partial text" {
		t.Errorf("content = %q, want %q", got.Content, "partial text")
	}
}

func TestByRequestIDMissing(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	th, err := store.Create(ctx, uuid.New(), "")
	if err != nil {
		t.Fatalf("Create() failed: %v", err)
	}

	_, err = store.ByRequestID(ctx, th.ID, uuid.NewString(), RoleAssistant)
	if !errors.Is(err, ErrMessageNotFound) {
		t.Errorf("ByRequestID() error = %v, want ErrMessageNotFound", err)
	}
}

func TestMessagesPagination(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	th, err := store.Create(ctx, uuid.New(), "")
	if err != nil {
		t.Fatalf("Create() failed: %v", err)
	}
	for _, content := range []string{"m1", "m2", "m3", "m4", "m5"} {
		if _, err := store.Append(ctx, AppendParams{
			ThreadID: th.ID, Role: RoleUser, Content: content,
		}); err != nil {
			t.Fatalf("Append(%q) failed: %v", content, err)
		}
	}

	page, err := store.Messages(ctx, th.ID, 2, 2)
	if err != nil {
		t.Fatalf("Messages() failed: %v", err)
	}
	if len(page) != 2 {
		t.Fatalf("page size = %d, want 2", len(page))
	}
	if page[0].Seq != 3 || page[1].Seq != 4 {
		t.Errorf("page seqs = %d,%d, want 3,4", page[0].Seq, page[1].Seq)
	}
}

func TestRecentWindow(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	th, err := store.Create(ctx, uuid.New(), "")
	if err != nil {
		t.Fatalf("Create() failed: %v", err)
	}
	for _, content := range []string{"m1", "m2", "m3", "m4", "m5"} {
		if _, err := store.Append(ctx, AppendParams{
			ThreadID: th.ID, Role: RoleUser, Content: content,
		}); err != nil {
			t.Fatalf("Append(%q) failed: %v", content, err)
		}
	}

	recent, err := store.Recent(ctx, th.ID, 3)
	if err != nil {
		t.Fatalf("Recent() failed: %v", err)
	}
	if len(recent) != 3 {
		t.Fatalf("Recent() returned %d messages, want 3", len(recent))
	}
	for i, wantSeq := range []int32{3, 4, 5} {
		if recent[i].Seq != wantSeq {
			t.Errorf("recent[%d].Seq = %d, want %d", i, recent[i].Seq, wantSeq)
		}
	}
}

func TestConcurrentAppendsStayGapFree(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	th, err := store.Create(ctx, uuid.New(), "")
	if err != nil {
		t.Fatalf("Create() failed: %v", err)
	}

	const writers = 10
	var wg sync.WaitGroup
	errCh := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, appendErr := store.Append(ctx, AppendParams{
				ThreadID: th.ID, Role: RoleUser, Content: "concurrent",
			})
			errCh <- appendErr
		}()
	}
	wg.Wait()
	close(errCh)
	for appendErr := range errCh {
		if appendErr != nil {
			t.Fatalf("concurrent Append() failed: %v", appendErr)
		}
	}

	msgs, err := store.Messages(ctx, th.ID, 100, 0)
	if err != nil {
		t.Fatalf("Messages() failed: %v", err)
	}
	if len(msgs) != writers {
		t.Fatalf("message count = %d, want %d", len(msgs), writers)
	}
	for i, m := range msgs {
		if want := int32(i + 1); m.Seq != want {
			t.Errorf("msgs[%d].Seq = %d, want %d (sequence must be gap-free)", i, m.Seq, want)
		}
	}
}

func TestSetTitle(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	th, err := store.Create(ctx, uuid.New(), "")
	if err != nil {
		t.Fatalf("Create() failed: %v", err)
	}

	if err := store.SetTitle(ctx, th.ID, "generated title"); err != nil {
		t.Fatalf("SetTitle() failed: %v", err)
	}
	got, err := store.Get(ctx, th.ID)
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if got.Title != "generated title" {
		t.Errorf("title = %q, want %q", got.Title, "generated title")
	}

	if err := store.SetTitle(ctx, uuid.New(), "x"); !errors.Is(err, ErrThreadNotFound) {
		t.Errorf("SetTitle() on missing thread = %v, want ErrThreadNotFound", err)
	}
}
