package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/cjeanneret/SplitFlap/internal/debug"
	"github.com/cjeanneret/SplitFlap/internal/logic/control"
	"github.com/cjeanneret/SplitFlap/internal/logic/display"
	"github.com/cjeanneret/SplitFlap/internal/logic/mode"
)

const (
	// MaxBodyBytes caps every JSON request body.
	MaxBodyBytes = 1 << 20
	// MaxTextRunes bounds text requests; longer text is truncated by the display anyway.
	MaxTextRunes = 64
	// MaxWords bounds the multi mode word list.
	MaxWords = 32

	syncTimeout = 5 * time.Second
)

// Controller is the control loop as seen from HTTP.
type Controller interface {
	Submit(cmd control.Command) error
	Do(ctx context.Context, cmd control.Command) error
	State() control.Status
}

// TextRequest is the body of POST /text.
type TextRequest struct {
	Text      string  `json:"text"`
	Speed     float64 `json:"speed,omitempty"`
	Centering *bool   `json:"centering,omitempty"`
	Home      bool    `json:"home,omitempty"`
}

// SpeedRequest is the body of POST /home and the test endpoints. Empty bodies are allowed.
type SpeedRequest struct {
	Speed float64 `json:"speed,omitempty"`
}

// ModeRequest is the body of POST /mode.
type ModeRequest struct {
	Mode        string   `json:"mode"`
	Text        string   `json:"text,omitempty"`
	Words       []string `json:"words,omitempty"`
	WordDelayS  float64  `json:"word_delay_s,omitempty"`
	ClockLayout string   `json:"clock_layout,omitempty"`
}

// OffsetRequest is the body of POST /api/module/{index}/offset.
type OffsetRequest struct {
	Offset int `json:"offset"`
}

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	Broadcaster *StatusBroadcaster
	States      *StatusBroadcaster
	Control     Controller
	MaxRPM      float64
}

// NewHandlers creates handlers. status carries log lines, states carries
// encoded control.Status values.
func NewHandlers(status, states *StatusBroadcaster, ctrl Controller, maxRPM float64) *Handlers {
	if maxRPM <= 0 {
		maxRPM = display.MaxRPM
	}
	return &Handlers{
		Broadcaster: status,
		States:      states,
		Control:     ctrl,
		MaxRPM:      maxRPM,
	}
}

// ValidateSpeed accepts 0 (display maximum) or a finite rpm up to maxRPM.
func ValidateSpeed(speed, maxRPM float64) error {
	if math.IsNaN(speed) || math.IsInf(speed, 0) {
		return errors.New("speed must be a finite number")
	}
	if speed < 0 || speed > maxRPM {
		return fmt.Errorf("speed must be between 0 and %g rpm", maxRPM)
	}
	return nil
}

// ValidateText rejects text that is too long or not printable.
func ValidateText(text string) error {
	if !utf8.ValidString(text) {
		return errors.New("text must be valid UTF-8")
	}
	if n := utf8.RuneCountInString(text); n > MaxTextRunes {
		return fmt.Errorf("text is %d characters, at most %d allowed", n, MaxTextRunes)
	}
	for _, r := range text {
		if !unicode.IsPrint(r) {
			return fmt.Errorf("text contains a non-printable character %U", r)
		}
	}
	return nil
}

// ValidateMode converts a mode request into player settings.
func ValidateMode(req ModeRequest) (mode.Settings, error) {
	kind, err := mode.ParseKind(req.Mode)
	if err != nil {
		return mode.Settings{}, err
	}
	if err := ValidateText(req.Text); err != nil {
		return mode.Settings{}, err
	}
	if len(req.Words) > MaxWords {
		return mode.Settings{}, fmt.Errorf("at most %d words allowed", MaxWords)
	}
	for _, w := range req.Words {
		if err := ValidateText(w); err != nil {
			return mode.Settings{}, fmt.Errorf("word %q: %w", w, err)
		}
	}
	if math.IsNaN(req.WordDelayS) || math.IsInf(req.WordDelayS, 0) || req.WordDelayS < 0 || req.WordDelayS > 3600 {
		return mode.Settings{}, errors.New("word_delay_s must be between 0 and 3600")
	}
	if len(req.ClockLayout) > MaxTextRunes {
		return mode.Settings{}, errors.New("clock_layout is too long")
	}

	s := mode.Settings{
		Kind:        kind,
		Text:        req.Text,
		Words:       req.Words,
		WordDelay:   time.Duration(req.WordDelayS * float64(time.Second)),
		ClockLayout: req.ClockLayout,
	}
	if err := s.Validate(); err != nil {
		return mode.Settings{}, err
	}
	return s, nil
}

// HandleState handles GET /state.
func (h *Handlers) HandleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Control.State())
}

// HandleText handles POST /text. Plain text becomes the persisted single
// mode text; a speed, centering or home request is a one-off write.
func (h *Handlers) HandleText(w http.ResponseWriter, r *http.Request) {
	var req TextRequest
	if !decodeJSON(w, r, &req, false) {
		return
	}
	if err := ValidateText(req.Text); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := ValidateSpeed(req.Speed, h.MaxRPM); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var cmd control.Command
	switch {
	case req.Home:
		cmd = control.Command{Op: control.OpHomeToString, Text: req.Text, Speed: req.Speed, Centering: req.Centering}
	case req.Centering != nil || req.Speed > 0:
		// One-off layout or speed: shown now, the mode is left alone.
		cmd = control.Command{Op: control.OpWriteString, Text: req.Text, Speed: req.Speed, Centering: req.Centering}
	default:
		cmd = control.Command{Op: control.OpSetMode, Mode: mode.Settings{Kind: mode.Single, Text: req.Text}}
	}
	if h.submit(w, cmd) {
		accepted(w)
	}
}

// HandleHome handles POST /home.
func (h *Handlers) HandleHome(w http.ResponseWriter, r *http.Request) {
	var req SpeedRequest
	if !decodeJSON(w, r, &req, true) {
		return
	}
	if err := ValidateSpeed(req.Speed, h.MaxRPM); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if h.submit(w, control.Command{Op: control.OpHome, Speed: req.Speed}) {
		accepted(w)
	}
}

// HandleMode handles POST /mode. It waits for the control loop to accept
// the mode so that validation errors reach the caller.
func (h *Handlers) HandleMode(w http.ResponseWriter, r *http.Request) {
	var req ModeRequest
	if !decodeJSON(w, r, &req, false) {
		return
	}
	s, err := ValidateMode(req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if !h.do(w, r, control.Command{Op: control.OpSetMode, Mode: s}) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "mode": string(s.Kind)})
}

// HandleOffset handles POST /api/module/{index}/offset.
func (h *Handlers) HandleOffset(w http.ResponseWriter, r *http.Request) {
	index, ok := h.moduleIndex(w, r)
	if !ok {
		return
	}
	var req OffsetRequest
	if !decodeJSON(w, r, &req, false) {
		return
	}
	if req.Offset < -4096 || req.Offset > 4096 {
		http.Error(w, "offset must be between -4096 and 4096 steps", http.StatusBadRequest)
		return
	}
	if !h.do(w, r, control.Command{Op: control.OpSetOffset, Index: index, Offset: req.Offset}) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"index": index, "offset": req.Offset})
}

// HandleModuleTest handles POST /api/module/{index}/test.
func (h *Handlers) HandleModuleTest(w http.ResponseWriter, r *http.Request) {
	index, ok := h.moduleIndex(w, r)
	if !ok {
		return
	}
	var req SpeedRequest
	if !decodeJSON(w, r, &req, true) {
		return
	}
	if err := ValidateSpeed(req.Speed, h.MaxRPM); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if h.submit(w, control.Command{Op: control.OpTestModule, Index: index, Speed: req.Speed}) {
		accepted(w)
	}
}

// HandleTest handles POST /api/test/{kind} for all, count and random.
func (h *Handlers) HandleTest(w http.ResponseWriter, r *http.Request) {
	var op control.Op
	switch r.PathValue("kind") {
	case "all":
		op = control.OpTestAll
	case "count":
		op = control.OpTestCount
	case "random":
		op = control.OpTestRandom
	default:
		http.Error(w, "unknown test (all, count, random)", http.StatusNotFound)
		return
	}
	var req SpeedRequest
	if !decodeJSON(w, r, &req, true) {
		return
	}
	if err := ValidateSpeed(req.Speed, h.MaxRPM); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if h.submit(w, control.Command{Op: op, Speed: req.Speed}) {
		accepted(w)
	}
}

// HandleStatusStream handles GET /status/stream for SSE.
func (h *Handlers) HandleStatusStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // nginx

	ch, unsub := h.Broadcaster.Subscribe()
	defer unsub()

	w.Write([]byte(": connected\n\n"))
	flusher.Flush()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			w.Write([]byte("data: " + msg + "\n\n"))
			flusher.Flush()

		case <-ticker.C:
			w.Write([]byte(": heartbeat\n\n"))
			flusher.Flush()

		case <-r.Context().Done():
			return
		}
	}
}

func (h *Handlers) moduleIndex(w http.ResponseWriter, r *http.Request) (int, bool) {
	index, err := strconv.Atoi(r.PathValue("index"))
	if err != nil {
		http.Error(w, "module index must be an integer", http.StatusBadRequest)
		return 0, false
	}
	if index < 0 || index >= len(h.Control.State().Drums) {
		http.Error(w, display.ErrModuleIndex.Error(), http.StatusNotFound)
		return 0, false
	}
	return index, true
}

// submit queues a command. Motion runs to completion in the control loop.
func (h *Handlers) submit(w http.ResponseWriter, cmd control.Command) bool {
	if err := h.Control.Submit(cmd); err != nil {
		h.fail(w, cmd, err)
		return false
	}
	debug.Live("Web: queued %s", cmd.Op)
	return true
}

// do runs a command and waits for its result.
func (h *Handlers) do(w http.ResponseWriter, r *http.Request, cmd control.Command) bool {
	ctx, cancel := context.WithTimeout(r.Context(), syncTimeout)
	defer cancel()
	if err := h.Control.Do(ctx, cmd); err != nil {
		h.fail(w, cmd, err)
		return false
	}
	return true
}

func (h *Handlers) fail(w http.ResponseWriter, cmd control.Command, err error) {
	switch {
	case errors.Is(err, control.ErrBusy):
		w.Header().Set("Retry-After", "1")
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	case errors.Is(err, display.ErrModuleIndex):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, context.DeadlineExceeded):
		http.Error(w, "display busy, command still queued", http.StatusAccepted)
	default:
		if h.Broadcaster != nil {
			h.Broadcaster.Broadcast("error", fmt.Sprintf("%s failed: %v", cmd.Op, err))
		}
		http.Error(w, err.Error(), http.StatusBadRequest)
	}
}

// decodeJSON reads a size-limited JSON body. allowEmpty accepts a missing body.
func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}, allowEmpty bool) bool {
	r.Body = http.MaxBytesReader(w, r.Body, MaxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if allowEmpty && errors.Is(err, io.EOF) {
			return true
		}
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
			return false
		}
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return false
	}
	return true
}

func accepted(w http.ResponseWriter) {
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
