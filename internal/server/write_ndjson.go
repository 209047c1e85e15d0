package server

import (
	"encoding/json"
	"io"
	"net/http"

	"example.com/slotpack/internal/extract"
)

// extractStream reports a streamed session upload as newline-delimited JSON:
// one "block" record per block as extraction reaches it, then a single
// "done" record carrying the session, or an "error" record if extraction
// gave up.
type extractStream struct {
	out     io.Writer
	flusher http.Flusher
}

func newExtractStream(w http.ResponseWriter) *extractStream {
	w.Header().Set("Content-Type", "application/x-ndjson")
	st := &extractStream{out: w}
	if f, ok := w.(http.Flusher); ok {
		st.flusher = f
	}
	return st
}

type blockRecord struct {
	Type string `json:"type"`
	extract.Event
}

type doneRecord struct {
	Type    string      `json:"type"`
	Session sessionView `json:"session"`
}

type errorRecord struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

func (st *extractStream) block(ev extract.Event) error {
	return st.write(blockRecord{Type: "block", Event: ev})
}

func (st *extractStream) done(view sessionView) error {
	return st.write(doneRecord{Type: "done", Session: view})
}

func (st *extractStream) fail(err error) error {
	return st.write(errorRecord{Type: "error", Error: err.Error()})
}

// write emits one record and flushes so clients see progress per block.
func (st *extractStream) write(rec any) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if _, err := st.out.Write(append(data, '\n')); err != nil {
		return err
	}
	if st.flusher != nil {
		st.flusher.Flush()
	}
	return nil
}
