package server

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"example.com/slotpack/internal/codec"
	"example.com/slotpack/internal/report"
	"example.com/slotpack/internal/samples"
)

func newTestServer(t *testing.T, opts Options) *httptest.Server {
	t.Helper()
	if opts.StorageDir == "" {
		opts.StorageDir = filepath.Join(t.TempDir(), "storage")
	}
	srv, err := NewServer(opts)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	t.Cleanup(func() { srv.Close() })
	ts := httptest.NewServer(NewRouter(srv))
	t.Cleanup(ts.Close)
	return ts
}

func uploadBase(t *testing.T, ts *httptest.Server, query string, data []byte) *http.Response {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("base", "memory.dat")
	if err != nil {
		t.Fatalf("CreateFormFile: %v", err)
	}
	if _, err := part.Write(data); err != nil {
		t.Fatalf("write part: %v", err)
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close multipart: %v", err)
	}
	resp, err := http.Post(ts.URL+"/sessions"+query, mw.FormDataContentType(), &body)
	if err != nil {
		t.Fatalf("POST /sessions: %v", err)
	}
	return resp
}

func openSession(t *testing.T, ts *httptest.Server, data []byte) sessionView {
	t.Helper()
	resp := uploadBase(t, ts, "", data)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		msg, _ := io.ReadAll(resp.Body)
		t.Fatalf("status %d: %s", resp.StatusCode, msg)
	}
	var view sessionView
	if err := json.NewDecoder(resp.Body).Decode(&view); err != nil {
		t.Fatalf("decode session: %v", err)
	}
	return view
}

func putBlock(t *testing.T, ts *httptest.Server, id string, index int, doc string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPut, fmt.Sprintf("%s/sessions/%s/blocks/%d", ts.URL, id, index), strings.NewReader(doc))
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("PUT block: %v", err)
	}
	return resp
}

func post(t *testing.T, ts *httptest.Server, path string) (*http.Response, runResponse) {
	t.Helper()
	resp, err := http.Post(ts.URL+path, "application/json", nil)
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	defer resp.Body.Close()
	var out runResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode %s: %v", path, err)
	}
	return resp, out
}

func TestSessionEditAndRepack(t *testing.T) {
	ts := newTestServer(t, Options{})
	img, err := samples.CoinsScenario()
	if err != nil {
		t.Fatal(err)
	}
	view := openSession(t, ts, img.Data)
	editable := view.Manifest.EditableBlocks()
	if len(editable) != 1 {
		t.Fatalf("editable blocks = %d", len(editable))
	}
	index := editable[0].Index

	resp, err := http.Get(fmt.Sprintf("%s/sessions/%s/blocks/%d", ts.URL, view.ID, index))
	if err != nil {
		t.Fatal(err)
	}
	doc, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if string(doc) != `{"coins":100}` {
		t.Fatalf("artifact = %s", doc)
	}

	resp = putBlock(t, ts, view.ID, index, `{"coins": 999999}`)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("PUT status %d", resp.StatusCode)
	}

	resp, pre := post(t, ts, "/sessions/"+view.ID+"/preflight")
	if resp.StatusCode != http.StatusOK || pre.Report.Outcome != report.OutcomeReady {
		t.Fatalf("preflight %d: %+v", resp.StatusCode, pre.Report)
	}

	resp, out := post(t, ts, "/sessions/"+view.ID+"/repack")
	if resp.StatusCode != http.StatusOK || out.Report.Outcome != report.OutcomeRepacked {
		t.Fatalf("repack %d: %+v", resp.StatusCode, out.Report)
	}
	var saveID string
	for _, ref := range out.Artifacts {
		if ref.Kind == "save" {
			saveID = ref.ID
		}
	}
	if saveID == "" || len(out.Artifacts) < 2 {
		t.Fatalf("artifacts = %+v", out.Artifacts)
	}
	resp, err = http.Get(ts.URL + "/artifacts/" + saveID)
	if err != nil {
		t.Fatal(err)
	}
	saved, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if len(saved) != len(img.Data) {
		t.Fatalf("downloaded %d bytes, want %d", len(saved), len(img.Data))
	}
	got, _, err := codec.Decode(saved[4096:4096+256], codec.KindUTF16, index)
	if err != nil {
		t.Fatalf("decode repacked block: %v", err)
	}
	if string(got) != `{"coins":999999}` {
		t.Fatalf("repacked block = %s", got)
	}
}

func TestRepackRejectedIs422(t *testing.T) {
	ts := newTestServer(t, Options{})
	img, err := samples.CoinsScenario()
	if err != nil {
		t.Fatal(err)
	}
	view := openSession(t, ts, img.Data)
	index := view.Manifest.EditableBlocks()[0].Index
	resp := putBlock(t, ts, view.ID, index, `{"coins":"`+strings.Repeat("x", 138)+`"}`)
	resp.Body.Close()

	resp, out := post(t, ts, "/sessions/"+view.ID+"/repack")
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status %d, want 422", resp.StatusCode)
	}
	if out.Report.Outcome != report.OutcomeRejected || len(out.Report.Failures) != 1 {
		t.Fatalf("report = %+v", out.Report)
	}
	if !strings.Contains(out.Report.Failures[0], "allowed 256") {
		t.Fatalf("failure = %q", out.Report.Failures[0])
	}
	if len(out.Artifacts) != 0 {
		t.Fatalf("rejected repack produced artifacts: %+v", out.Artifacts)
	}
}

func TestPutBlockValidation(t *testing.T) {
	ts := newTestServer(t, Options{})
	img, err := samples.TableSave()
	if err != nil {
		t.Fatal(err)
	}
	view := openSession(t, ts, img.Data)
	editable := view.Manifest.EditableBlocks()[0].Index

	cases := []struct {
		name   string
		index  int
		doc    string
		status int
	}{
		{"valid jsonc", editable, "{\"coins\": 5, // note\n}", http.StatusOK},
		{"utf-8 bom", editable, "\ufeff{\"coins\": 6}", http.StatusOK},
		{"broken json", editable, `{"coins": `, http.StatusBadRequest},
		{"auxiliary block", 0, `{}`, http.StatusConflict},
		{"missing block", 999, `{}`, http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := putBlock(t, ts, view.ID, tc.index, tc.doc)
			resp.Body.Close()
			if resp.StatusCode != tc.status {
				t.Fatalf("status %d, want %d", resp.StatusCode, tc.status)
			}
		})
	}
}

func TestCreateSessionStream(t *testing.T) {
	ts := newTestServer(t, Options{})
	img, err := samples.PlainSave()
	if err != nil {
		t.Fatal(err)
	}
	resp := uploadBase(t, ts, "?stream=true", img.Data)
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "application/x-ndjson" {
		t.Fatalf("content type %q", ct)
	}
	var types []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		var rec struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			t.Fatalf("decode line %q: %v", scanner.Text(), err)
		}
		types = append(types, rec.Type)
	}
	if len(types) != len(img.Regions)+1 || types[len(types)-1] != "done" {
		t.Fatalf("stream records = %v", types)
	}
}

func TestUnknownSession(t *testing.T) {
	ts := newTestServer(t, Options{})
	resp, err := http.Get(ts.URL + "/sessions/nope")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status %d", resp.StatusCode)
	}
}

func TestOptionsValidate(t *testing.T) {
	if _, err := NewServer(Options{StorageDir: t.TempDir(), GzipLevel: 12}); err == nil {
		t.Fatalf("expected invalid gzip level to be rejected")
	}
	opts := Options{KeepWhitespace: true, GzipLevel: 6}.repackOptions()
	if opts.Minify || opts.GzipLevel != 6 {
		t.Fatalf("repack options = %+v", opts)
	}
}

func TestDeleteSessionDropsArtifacts(t *testing.T) {
	ts := newTestServer(t, Options{})
	img, err := samples.PlainSave()
	if err != nil {
		t.Fatal(err)
	}
	view := openSession(t, ts, img.Data)
	resp, out := post(t, ts, "/sessions/"+view.ID+"/repack")
	if resp.StatusCode != http.StatusOK || len(out.Artifacts) == 0 {
		t.Fatalf("repack %d: %+v", resp.StatusCode, out)
	}

	req, err := http.NewRequest(http.MethodDelete, ts.URL+"/sessions/"+view.ID, nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("DELETE status %d", resp.StatusCode)
	}
	for _, path := range []string{"/sessions/" + view.ID, "/artifacts/" + out.Artifacts[0].ID} {
		resp, err := http.Get(ts.URL + path)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusNotFound {
			t.Fatalf("GET %s status %d after delete", path, resp.StatusCode)
		}
	}
}

func getBlock(t *testing.T, ts *httptest.Server, id string, index int) (int, string) {
	t.Helper()
	resp, err := http.Get(fmt.Sprintf("%s/sessions/%s/blocks/%d", ts.URL, id, index))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	doc, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(doc)
}

func TestSessionsOnSameSaveAreIsolated(t *testing.T) {
	ts := newTestServer(t, Options{})
	img, err := samples.CoinsScenario()
	if err != nil {
		t.Fatal(err)
	}
	a := openSession(t, ts, img.Data)
	index := a.Manifest.EditableBlocks()[0].Index
	resp := putBlock(t, ts, a.ID, index, `{"coins": 999999}`)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("PUT status %d", resp.StatusCode)
	}

	b := openSession(t, ts, img.Data)
	if b.ID == a.ID {
		t.Fatalf("sessions share id %s", a.ID)
	}
	if status, doc := getBlock(t, ts, a.ID, index); status != http.StatusOK || doc != `{"coins": 999999}` {
		t.Fatalf("session A artifact after B opened: %d %s", status, doc)
	}
	if _, doc := getBlock(t, ts, b.ID, index); doc != `{"coins":100}` {
		t.Fatalf("session B artifact = %s, want the pristine block", doc)
	}

	req, err := http.NewRequest(http.MethodDelete, ts.URL+"/sessions/"+b.ID, nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("DELETE status %d", resp.StatusCode)
	}

	if status, doc := getBlock(t, ts, a.ID, index); status != http.StatusOK || doc != `{"coins": 999999}` {
		t.Fatalf("session A artifact after B deleted: %d %s", status, doc)
	}
	resp, out := post(t, ts, "/sessions/"+a.ID+"/repack")
	if resp.StatusCode != http.StatusOK || out.Report.Outcome != report.OutcomeRepacked {
		t.Fatalf("repack A %d: %+v", resp.StatusCode, out.Report)
	}
}
