package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dar-k-dev/vidharvest/internal/jobs"
	"github.com/dar-k-dev/vidharvest/internal/testsupport"
)

// fetchStub mimics the extraction tool: find the -o argument and produce
// the output file.
const fetchStub = `out=""
prev=""
for arg in "$@"; do
  if [ "$prev" = "-o" ]; then out="$arg"; fi
  prev="$arg"
done
mkdir -p "$(dirname "$out")"
printf media > "$out"`

func TestIngestDeliverCleanupEndToEnd(t *testing.T) {
	ctx := context.Background()
	cfg := testsupport.NewConfig(t)
	testsupport.StubBinary(t, t.TempDir(), cfg.Fetch.Binary, fetchStub)

	d, err := New(ctx, cfg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer d.Close()
	if err := d.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer d.Stop()

	base := "http://" + d.api.listener.Addr().String()

	body, _ := json.Marshal(map[string]any{
		"url":     "https://www.youtube.com/watch?v=e2e",
		"quality": "720p",
	})
	resp, err := http.Post(base+"/api/jobs", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	var created jobPayload
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d", resp.StatusCode)
	}

	// Poll until the stub download completes and the job is ready.
	var ready jobPayload
	deadline := time.After(10 * time.Second)
	for ready.State != jobs.StateReady {
		select {
		case <-deadline:
			t.Fatalf("job never became ready (last state %s)", ready.State)
		case <-time.After(25 * time.Millisecond):
		}
		getResp, err := http.Get(base + "/api/jobs/" + created.ID)
		if err != nil {
			t.Fatal(err)
		}
		if getResp.StatusCode == http.StatusOK {
			if err := json.NewDecoder(getResp.Body).Decode(&ready); err != nil {
				t.Fatal(err)
			}
		}
		getResp.Body.Close()
	}

	wantArtifact := filepath.Join(cfg.Paths.ArtifactDir, "youtube", created.ID+".mp4")
	if ready.ArtifactPath != wantArtifact {
		t.Fatalf("artifact = %q, want %q", ready.ArtifactPath, wantArtifact)
	}
	if _, err := os.Stat(wantArtifact); err != nil {
		t.Fatalf("artifact missing on disk: %v", err)
	}

	confirm, err := http.Post(base+"/api/jobs/"+created.ID+"/delivered", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	confirm.Body.Close()
	if confirm.StatusCode != http.StatusOK {
		t.Fatalf("confirm status = %d", confirm.StatusCode)
	}

	// With a zero grace period the artifact and registry entry disappear.
	deadline = time.After(10 * time.Second)
	for {
		_, statErr := os.Stat(wantArtifact)
		getResp, err := http.Get(base + "/api/jobs/" + created.ID)
		if err != nil {
			t.Fatal(err)
		}
		getResp.Body.Close()
		if os.IsNotExist(statErr) && getResp.StatusCode == http.StatusNotFound {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("cleanup incomplete: stat=%v api=%d", statErr, getResp.StatusCode)
		case <-time.After(25 * time.Millisecond):
		}
	}

	// The outcome survives in the history ledger.
	histResp, err := http.Get(base + "/api/history")
	if err != nil {
		t.Fatal(err)
	}
	defer histResp.Body.Close()
	var hist struct {
		Entries []struct {
			JobID   string     `json:"JobID"`
			Outcome jobs.State `json:"Outcome"`
		} `json:"entries"`
	}
	if err := json.NewDecoder(histResp.Body).Decode(&hist); err != nil {
		t.Fatal(err)
	}
	if len(hist.Entries) != 1 || hist.Entries[0].JobID != created.ID || hist.Entries[0].Outcome != jobs.StateDelivered {
		t.Fatalf("history = %+v", hist.Entries)
	}
}
