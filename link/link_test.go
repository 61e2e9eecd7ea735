package link

import (
	"context"
	"strings"
	"sync"
	"testing"

	"filelink-bot/model"

	"github.com/pkg/errors"
)

type memStore struct {
	mu      sync.Mutex
	files   map[string]*model.File
	batches map[string]*model.Batch
}

func newMemStore() *memStore {
	return &memStore{files: map[string]*model.File{}, batches: map[string]*model.Batch{}}
}

func (m *memStore) CreateFile(_ context.Context, f *model.File) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.files[f.Token]; ok {
		return model.ErrDuplicate
	}
	m.files[f.Token] = f
	return nil
}

func (m *memStore) GetFile(_ context.Context, token string) (*model.File, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.files[token]
	if !ok {
		return nil, model.ErrNotFound
	}
	return f, nil
}

func (m *memStore) CreateBatch(_ context.Context, b *model.Batch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.batches[b.Token]; ok {
		return model.ErrDuplicate
	}
	m.batches[b.Token] = b
	return nil
}

func (m *memStore) GetBatch(_ context.Context, token string) (*model.Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.batches[token]
	if !ok {
		return nil, model.ErrNotFound
	}
	return b, nil
}

func locations(n int) []model.Location {
	out := make([]model.Location, n)
	for i := range out {
		out[i] = model.Location{ChatID: -100123, MessageID: i + 1}
	}
	return out
}

func TestEncodeBatchSize(t *testing.T) {
	tests := []struct {
		name    string
		size    int
		wantErr bool
	}{
		{"empty", 0, true},
		{"one", 1, false},
		{"max", 20, false},
		{"over max", 21, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewCodec(newMemStore())
			token, err := c.EncodeBatch(context.Background(), 1, locations(tt.size))
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidBatchSize) {
					t.Errorf("EncodeBatch(%d) error = %v, want ErrInvalidBatchSize", tt.size, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("EncodeBatch(%d) error = %v", tt.size, err)
			}
			if len(token) < BatchTokenSize {
				t.Errorf("token %q shorter than %d", token, BatchTokenSize)
			}
			if strings.Trim(token, tokenAlphabet) != "" {
				t.Errorf("token %q has characters outside a-z", token)
			}
		})
	}
}

func TestEncodeResolveRoundTrip(t *testing.T) {
	ctx := context.Background()
	c := NewCodec(newMemStore())

	loc := model.Location{ChatID: -1001, MessageID: 77}
	single, err := c.EncodeSingle(ctx, loc)
	if err != nil {
		t.Fatal(err)
	}
	got, err := c.Resolve(ctx, PrefixSingle+single)
	if err != nil {
		t.Fatal(err)
	}
	if got.Kind != KindSingle || got.Location != loc {
		t.Errorf("Resolve(single) = %+v", got)
	}

	locs := locations(3)
	batch, err := c.EncodeBatch(ctx, 9, locs)
	if err != nil {
		t.Fatal(err)
	}
	// the stored batch must not alias the caller's slice
	locs[0].MessageID = 999

	got, err = c.Resolve(ctx, PrefixBatch+batch)
	if err != nil {
		t.Fatal(err)
	}
	if got.Kind != KindBatch || got.Batch == nil || got.Batch.OwnerID != 9 {
		t.Fatalf("Resolve(batch) = %+v", got)
	}
	if got.Batch.Locations[0].MessageID != 1 {
		t.Errorf("stored batch changed with caller slice: %+v", got.Batch.Locations[0])
	}

	// tokens stay resolvable
	for i := 0; i < 3; i++ {
		if _, err := c.Resolve(ctx, PrefixBatch+batch); err != nil {
			t.Fatalf("resolve #%d: %v", i, err)
		}
	}
}

func TestEncodeSingleRejectsHandles(t *testing.T) {
	c := NewCodec(newMemStore())
	_, err := c.EncodeSingle(context.Background(), model.Location{Handle: "chan", MessageID: 1})
	if !errors.Is(err, ErrMalformedLink) {
		t.Errorf("error = %v, want ErrMalformedLink", err)
	}
}

func TestResolveUnknown(t *testing.T) {
	c := NewCodec(newMemStore())
	for _, payload := range []string{"", "download_", "batch_", "batch_nosuchtoken", "download_nope", "other_abc", "hello"} {
		if _, err := c.Resolve(context.Background(), payload); !errors.Is(err, ErrUnknownToken) {
			t.Errorf("Resolve(%q) error = %v, want ErrUnknownToken", payload, err)
		}
	}
}

func TestParseShareURL(t *testing.T) {
	tests := []struct {
		in      string
		want    model.Location
		wantErr bool
	}{
		{in: "https://t.me/MPlayLink/245", want: model.Location{Handle: "MPlayLink", MessageID: 245}},
		{in: "https://t.me/12345/9", want: model.Location{ChatID: -10012345, MessageID: 9}},
		{in: "https://t.me/c/12345/9", want: model.Location{ChatID: -10012345, MessageID: 9}},
		{in: "  https://t.me/@chan/3/ ", want: model.Location{Handle: "chan", MessageID: 3}},
		{in: "https://t.me/MPlayLink/abc", wantErr: true},
		{in: "https://t.me/MPlayLink", wantErr: true},
		{in: "https://t.me/MPlayLink/0", wantErr: true},
		{in: "t.me/MPlayLink/245", wantErr: true},
		{in: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseShareURL(tt.in)
			if tt.wantErr {
				if !errors.Is(err, ErrMalformedLink) {
					t.Errorf("error = %v, want ErrMalformedLink", err)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Errorf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestBatchRange(t *testing.T) {
	first := model.Location{ChatID: -1001, MessageID: 10}

	locs, err := BatchRange(first, model.Location{ChatID: -1001, MessageID: 29})
	if err != nil {
		t.Fatal(err)
	}
	if len(locs) != 20 || locs[0].MessageID != 10 || locs[19].MessageID != 29 {
		t.Errorf("BatchRange() = %d items from %d to %d", len(locs), locs[0].MessageID, locs[len(locs)-1].MessageID)
	}

	if _, err := BatchRange(first, model.Location{ChatID: -1001, MessageID: 30}); !errors.Is(err, ErrInvalidBatchSize) {
		t.Errorf("21 items error = %v, want ErrInvalidBatchSize", err)
	}
	if _, err := BatchRange(first, model.Location{ChatID: -1002, MessageID: 12}); !errors.Is(err, ErrMalformedLink) {
		t.Errorf("cross-chat error = %v, want ErrMalformedLink", err)
	}
	if _, err := BatchRange(first, model.Location{ChatID: -1001, MessageID: 9}); !errors.Is(err, ErrMalformedLink) {
		t.Errorf("reversed error = %v, want ErrMalformedLink", err)
	}
}

func TestShareURL(t *testing.T) {
	if got := ShareURL("FileBot", KindBatch, "abcdefghij"); got != "https://t.me/FileBot?start=batch_abcdefghij" {
		t.Errorf("ShareURL(batch) = %s", got)
	}
	if got := ShareURL("FileBot", KindSingle, "x"); got != "https://t.me/FileBot?start=download_x" {
		t.Errorf("ShareURL(single) = %s", got)
	}
}

func TestScanRange(t *testing.T) {
	first := model.Location{Handle: "MPlayLink", MessageID: 1}

	locs, err := ScanRange(first, model.Location{Handle: "MPlayLink", MessageID: 25}, 200)
	if err != nil {
		t.Fatal(err)
	}
	if len(locs) != 25 || locs[24].Handle != "MPlayLink" || locs[24].MessageID != 25 {
		t.Errorf("ScanRange() = %d items, last %+v", len(locs), locs[len(locs)-1])
	}
	if _, err := ScanRange(first, model.Location{Handle: "MPlayLink", MessageID: 201}, 200); !errors.Is(err, ErrInvalidBatchSize) {
		t.Errorf("oversized scan error = %v, want ErrInvalidBatchSize", err)
	}
}
