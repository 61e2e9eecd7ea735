package mongostore

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"filelink-bot/model"
	"filelink-bot/store"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// newTestStore connects to the server named by FILELINK_TEST_MONGO_URI and
// uses a throwaway database.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	uri := os.Getenv("FILELINK_TEST_MONGO_URI")
	if uri == "" {
		t.Skip("FILELINK_TEST_MONGO_URI not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s, err := Open(ctx, uri, "filelink_test_"+uuid.NewString()[:8], zap.NewNop())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() {
		s.Drop(context.Background())
		s.Close()
	})
	return s
}

func TestUsers(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if created, err := s.EnsureUser(ctx, 1); err != nil || !created {
		t.Fatalf("EnsureUser() = %v, %v", created, err)
	}
	if created, _ := s.EnsureUser(ctx, 1); created {
		t.Error("second EnsureUser() reported a new user")
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.IncrementFilesReceived(ctx, 1, 2); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	u, err := s.GetUser(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if u.FilesReceived != 20 {
		t.Errorf("FilesReceived = %d, want 20", u.FilesReceived)
	}

	if err := s.SetBanned(ctx, 2, true); err != nil {
		t.Fatal(err)
	}
	if banned, _ := s.IsBanned(ctx, 2); !banned {
		t.Error("user 2 not banned")
	}
	if banned, _ := s.IsBanned(ctx, 3); banned {
		t.Error("unknown user reported banned")
	}
}

func TestFilesAndBatches(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.CreateFile(ctx, &model.File{Token: "t1", ChatID: -1001, MessageID: 4}); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateFile(ctx, &model.File{Token: "t1", ChatID: 1, MessageID: 1}); !errors.Is(err, model.ErrDuplicate) {
		t.Errorf("duplicate CreateFile() error = %v", err)
	}
	if _, err := s.GetFile(ctx, "nope"); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("GetFile(missing) error = %v", err)
	}

	locs := []model.Location{{ChatID: -1001, MessageID: 2}, {ChatID: -1001, MessageID: 1}}
	if err := s.CreateBatch(ctx, &model.Batch{Token: "b1", OwnerID: 9, Locations: locs}); err != nil {
		t.Fatal(err)
	}
	b, err := s.GetBatch(ctx, "b1")
	if err != nil {
		t.Fatal(err)
	}
	if len(b.Locations) != 2 || b.Locations[0] != locs[0] || b.Locations[1] != locs[1] {
		t.Errorf("batch locations = %+v", b.Locations)
	}
}

func TestObligations(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	s.AddObligation(ctx, 1, 1, now.Add(-time.Second))
	s.AddObligation(ctx, 1, 1, now.Add(time.Hour))
	s.AddObligation(ctx, 1, 2, now.Add(time.Hour))

	due, err := s.DueObligations(ctx, now, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 1 || due[0].MessageID != 1 {
		t.Fatalf("DueObligations() = %+v", due)
	}
	id := due[0].ID

	if ok, _ := s.ClaimObligation(ctx, id, now, now.Add(time.Minute)); !ok {
		t.Fatal("first claim failed")
	}
	if ok, _ := s.ClaimObligation(ctx, id, now, now.Add(time.Minute)); ok {
		t.Error("second claim succeeded")
	}
	if err := s.ReleaseObligation(ctx, id); err != nil {
		t.Fatal(err)
	}
	if ok, _ := s.ClaimObligation(ctx, id, now, now.Add(time.Minute)); !ok {
		t.Error("claim after release failed")
	}
	if ok, _ := s.MarkFulfilled(ctx, id, now); !ok {
		t.Error("MarkFulfilled() = false")
	}
	if ok, _ := s.MarkFulfilled(ctx, id, now); ok {
		t.Error("MarkFulfilled() twice = true")
	}

	total, pending, err := s.CountObligations(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if total != 2 || pending != 1 {
		t.Errorf("CountObligations() = %d, %d, want 2, 1", total, pending)
	}
}

func TestSettingsAndRequirements(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.EnsureDefaults(ctx, store.Defaults{Admins: []int64{1}, FileDeleteTime: time.Hour, MessageDeleteTime: time.Minute})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.EnsureDefaults(ctx, store.Defaults{FileDeleteTime: time.Second}); err != nil {
		t.Fatal(err)
	}
	file, notice, err := s.DeleteDelays(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if file != time.Hour || notice != time.Minute {
		t.Errorf("DeleteDelays() = %v, %v", file, notice)
	}

	if added, _ := s.AddAdmin(ctx, 2); !added {
		t.Error("AddAdmin(2) = false")
	}
	if removed, _ := s.RemoveAdmin(ctx, 1); !removed {
		t.Error("RemoveAdmin(1) = false")
	}
	admins, _ := s.Admins(ctx)
	if len(admins) != 1 || admins[0] != 2 {
		t.Errorf("Admins() = %v", admins)
	}

	for _, key := range []string{"zeta", "alpha"} {
		if err := s.PutRequirement(ctx, &model.ChannelRequirement{Key: key, ChannelID: -1, Method: model.MethodJoin, Enabled: true}); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.PutRequirement(ctx, &model.ChannelRequirement{Key: "zeta", ChannelID: -2, Method: model.MethodRequest}); err != nil {
		t.Fatal(err)
	}
	reqs, err := s.Requirements(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(reqs) != 2 || reqs[0].Key != "zeta" || reqs[0].ChannelID != -2 || reqs[0].Enabled {
		t.Errorf("Requirements() = %+v", reqs)
	}

	if added, _ := s.AddJoinRequest(ctx, -2, 5); !added {
		t.Error("AddJoinRequest() = false")
	}
	if added, _ := s.AddJoinRequest(ctx, -2, 5); added {
		t.Error("duplicate AddJoinRequest() = true")
	}
	if ok, _ := s.HasJoinRequest(ctx, -2, 5); !ok {
		t.Error("HasJoinRequest() = false")
	}
}
