package storage

import (
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
)

func openTestJournal(t *testing.T) *Journal {
	t.Helper()
	journal, dbPath, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { _ = journal.Close() })

	if _, err := os.Stat(dbPath); err != nil {
		t.Fatalf("database file missing: %v", err)
	}
	return journal
}

func TestRecordAndListTransfers(t *testing.T) {
	journal := openTestJournal(t)

	sendID := uuid.NewString()
	receiveID := uuid.NewString()
	if err := journal.RecordQueued(sendID, 1200); err != nil {
		t.Fatalf("RecordQueued failed: %v", err)
	}
	time.Sleep(2 * time.Millisecond)
	if err := journal.RecordReceived(receiveID, 64); err != nil {
		t.Fatalf("RecordReceived failed: %v", err)
	}

	transfers, err := journal.ListRecent(10)
	if err != nil {
		t.Fatalf("ListRecent failed: %v", err)
	}
	if len(transfers) != 2 {
		t.Fatalf("got %d transfers, want 2", len(transfers))
	}

	newest := transfers[0]
	if newest.TransferID != receiveID {
		t.Errorf("newest transfer = %q, want %q", newest.TransferID, receiveID)
	}
	if newest.Direction != DirectionReceive || newest.Status != StatusReceived {
		t.Errorf("newest = (%s, %s), want (receive, received)", newest.Direction, newest.Status)
	}
	if newest.Size != 64 {
		t.Errorf("newest size = %d, want 64", newest.Size)
	}

	oldest := transfers[1]
	if oldest.Direction != DirectionSend || oldest.Status != StatusQueued {
		t.Errorf("oldest = (%s, %s), want (send, queued)", oldest.Direction, oldest.Status)
	}
}

func TestUpdateStatus(t *testing.T) {
	journal := openTestJournal(t)

	id := uuid.NewString()
	if err := journal.RecordQueued(id, 42); err != nil {
		t.Fatalf("RecordQueued failed: %v", err)
	}
	if err := journal.UpdateStatus(id, StatusDelivered, ""); err != nil {
		t.Fatalf("UpdateStatus failed: %v", err)
	}

	transfers, err := journal.ListRecent(1)
	if err != nil {
		t.Fatalf("ListRecent failed: %v", err)
	}
	if transfers[0].Status != StatusDelivered {
		t.Errorf("status = %q, want %q", transfers[0].Status, StatusDelivered)
	}
	if transfers[0].UpdatedAt == 0 {
		t.Error("updated_at was not set")
	}
}

func TestUpdateStatusUnknownTransfer(t *testing.T) {
	journal := openTestJournal(t)

	err := journal.UpdateStatus(uuid.NewString(), StatusDropped, "retries exhausted")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestListRecentHonorsLimit(t *testing.T) {
	journal := openTestJournal(t)

	for i := 0; i < 3; i++ {
		if err := journal.RecordQueued(uuid.NewString(), int64(i)); err != nil {
			t.Fatalf("RecordQueued failed: %v", err)
		}
	}

	transfers, err := journal.ListRecent(2)
	if err != nil {
		t.Fatalf("ListRecent failed: %v", err)
	}
	if len(transfers) != 2 {
		t.Errorf("got %d transfers, want 2", len(transfers))
	}
}

func TestJournalPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	journal, _, err := Open(dir)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	id := uuid.NewString()
	if err := journal.RecordQueued(id, 7); err != nil {
		t.Fatalf("RecordQueued failed: %v", err)
	}
	if err := journal.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	reopened, _, err := Open(dir)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer reopened.Close()

	transfers, err := reopened.ListRecent(10)
	if err != nil {
		t.Fatalf("ListRecent failed: %v", err)
	}
	if len(transfers) != 1 || transfers[0].TransferID != id {
		t.Fatalf("persisted transfers = %+v, want one row %q", transfers, id)
	}
}
