package http

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/dbrumbaugh/sampling-extension/pkg/tree"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()

	opts := tree.Default()
	opts.MemtableCap = 1000
	opts.MemtableTombstoneCap = 100
	opts.ScaleFactor = 2

	tr, err := tree.New(t.TempDir(), opts, rand.New(rand.NewPCG(1, 2)))
	if err != nil {
		t.Fatal(err)
	}

	s := NewServer(tr, "0")
	ts := httptest.NewServer(s.createRouter())
	t.Cleanup(ts.Close)
	return s, ts
}

func decode(t *testing.T, resp *http.Response) Response {
	t.Helper()
	defer resp.Body.Close()
	var out Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	return out
}

func TestHealth(t *testing.T) {
	_, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	if out := decode(t, resp); out.Status != StatusOK {
		t.Fatalf("status = %q, want OK", out.Status)
	}
}

func TestAppendAndSample(t *testing.T) {
	_, ts := newTestServer(t)

	for i := 0; i < 100; i++ {
		resp, err := http.Post(fmt.Sprintf("%s/api/records?key=%d&value=%d", ts.URL, i, i), contentTypeJSON, nil)
		if err != nil {
			t.Fatal(err)
		}
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("append %d returned %d", i, resp.StatusCode)
		}
		resp.Body.Close()
	}

	resp, err := http.Get(ts.URL + "/api/sample?lo=20&hi=50&k=40")
	if err != nil {
		t.Fatal(err)
	}
	out := decode(t, resp)
	if len(out.Samples) != 40 {
		t.Fatalf("got %d samples, want 40", len(out.Samples))
	}
	for _, s := range out.Samples {
		if s.Key < 20 || s.Key > 50 {
			t.Fatalf("sample key %d outside [20, 50]", s.Key)
		}
	}
}

func TestDeleteSuppressesRecord(t *testing.T) {
	_, ts := newTestServer(t)

	for i := 0; i < 10; i++ {
		resp, err := http.Post(fmt.Sprintf("%s/api/records?key=%d&value=%d", ts.URL, i, i), contentTypeJSON, nil)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
	}

	req, err := http.NewRequest(http.MethodDelete, ts.URL+"/api/records?key=3&value=3", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete returned %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp, err = http.Get(ts.URL + "/api/sample?lo=0&hi=9&k=100")
	if err != nil {
		t.Fatal(err)
	}
	for _, s := range decode(t, resp).Samples {
		if s.Key == 3 {
			t.Fatal("deleted record still sampled")
		}
	}
}

func TestSampleValidation(t *testing.T) {
	_, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/api/sample?lo=0&hi=10&k=0")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("k=0 returned %d, want 400", resp.StatusCode)
	}
}

func TestInfo(t *testing.T) {
	_, ts := newTestServer(t)

	resp, err := http.Post(ts.URL+"/api/records?key=1&value=1", contentTypeJSON, nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	resp, err = http.Get(ts.URL + "/api/info")
	if err != nil {
		t.Fatal(err)
	}
	if out := decode(t, resp); out.Records != 1 {
		t.Fatalf("records = %d, want 1", out.Records)
	}
}
