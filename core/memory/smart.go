package memory

import (
	"context"
	"strings"
	"time"

	"github.com/satchel-app/satchel/core/errors"
	"github.com/satchel-app/satchel/core/library"
)

// DecisionEvent is what the arbiter decided to do with an incoming memory.
type DecisionEvent string

const (
	EventAdd    DecisionEvent = "ADD"
	EventUpdate DecisionEvent = "UPDATE"
	EventAppend DecisionEvent = "APPEND"
	EventDelete DecisionEvent = "DELETE"
	EventNone   DecisionEvent = "NONE"
)

// ConfidenceGate is the minimum confidence for destructive decisions.
// Below it, UPDATE/APPEND/DELETE downgrade to NONE so the caller can
// confirm with the user instead of silently mutating.
const ConfidenceGate = 0.65

const (
	smartCandidates        = 15
	profileRefreshInterval = 30 * time.Minute
	profileMemoryBudget    = 50
)

// Candidate is an existing memory shown to the arbiter.
type Candidate struct {
	NoteID  string  `json:"note_id"`
	Title   string  `json:"title"`
	Content string  `json:"content"`
	Score   float64 `json:"score"`
}

// DecisionInput is the arbiter's view of a smart write.
type DecisionInput struct {
	Title      string      `json:"title"`
	Content    string      `json:"content"`
	Candidates []Candidate `json:"candidates"`
}

// Decision is the arbiter's verdict.
type Decision struct {
	Event        DecisionEvent `json:"event"`
	TargetNoteID string        `json:"target_note_id,omitempty"`
	Confidence   float64       `json:"confidence"`
	Reason       string        `json:"reason,omitempty"`
}

// LLM is the model behind smart writes and profile refresh.
type LLM interface {
	Decide(ctx context.Context, input DecisionInput) (*Decision, error)
	Summarize(ctx context.Context, entries []string) (string, error)
}

// SmartResult reports what a smart write did.
type SmartResult struct {
	Event      DecisionEvent `json:"event"`
	NoteID     string        `json:"note_id,omitempty"`
	ResourceID string        `json:"resource_id,omitempty"`
	IsNew      bool          `json:"is_new"`
	Confidence float64       `json:"confidence"`
	Downgraded bool          `json:"downgraded,omitempty"`
	Reason     string        `json:"reason,omitempty"`
}

// WriteSmart retrieves similar memories, asks the arbiter what to do, and
// executes the verdict. The affected resource is indexed before returning,
// so the memory is searchable within the same turn. In privacy mode, or
// without an arbiter, it degrades to a plain create.
func (s *Service) WriteSmart(ctx context.Context, folderPath, title, content string) (*SmartResult, error) {
	if s.llm == nil || s.privacyMode(ctx) {
		result, err := s.Write(ctx, WriteParams{FolderPath: folderPath, Title: title, Content: content, Mode: ModeCreate})
		if err != nil {
			return nil, err
		}
		return &SmartResult{
			Event:      EventAdd,
			NoteID:     result.NoteID,
			ResourceID: result.ResourceID,
			IsNew:      true,
			Confidence: 1,
			Reason:     "arbiter unavailable, stored as new memory",
		}, nil
	}

	similar, err := s.Search(ctx, content, smartCandidates)
	if err != nil {
		return nil, err
	}

	var decision *Decision
	if len(similar) == 0 {
		// Nothing to collide with. Skip the model round-trip.
		decision = &Decision{Event: EventAdd, Confidence: 1, Reason: "no similar memories"}
	} else {
		input := DecisionInput{Title: title, Content: content}
		for _, m := range similar {
			input.Candidates = append(input.Candidates, Candidate{
				NoteID:  m.NoteID,
				Title:   m.Title,
				Content: m.Content,
				Score:   m.Score,
			})
		}
		decision, err = s.llm.Decide(ctx, input)
		if err != nil {
			return nil, err
		}
	}

	decision, downgraded := gate(decision, similar)
	result := &SmartResult{
		Event:      decision.Event,
		Confidence: decision.Confidence,
		Downgraded: downgraded,
		Reason:     decision.Reason,
	}

	switch decision.Event {
	case EventAdd:
		write, err := s.Write(ctx, WriteParams{FolderPath: folderPath, Title: title, Content: content, Mode: ModeCreate})
		if err != nil {
			return nil, err
		}
		result.NoteID = write.NoteID
		result.ResourceID = write.ResourceID
		result.IsNew = true

	case EventUpdate:
		updated, err := s.notes.Update(ctx, decision.TargetNoteID, library.UpdateNoteParams{Content: &content})
		if err != nil {
			return nil, err
		}
		result.NoteID = updated.ID
		result.ResourceID = updated.ResourceID
		s.indexNow(ctx, updated.ResourceID)

	case EventAppend:
		current, err := s.notes.Get(ctx, decision.TargetNoteID)
		if err != nil {
			return nil, err
		}
		combined := strings.TrimRight(current.Content, "\n") + "\n\n" + content
		updated, err := s.notes.Update(ctx, decision.TargetNoteID, library.UpdateNoteParams{Content: &combined})
		if err != nil {
			return nil, err
		}
		result.NoteID = updated.ID
		result.ResourceID = updated.ResourceID
		s.indexNow(ctx, updated.ResourceID)

	case EventDelete:
		if err := s.Delete(ctx, decision.TargetNoteID); err != nil {
			return nil, err
		}
		result.NoteID = decision.TargetNoteID

	case EventNone:
	}

	go s.refreshProfile()
	return result, nil
}

// gate normalizes the verdict: unknown events become NONE, destructive
// events need a valid target from the candidate set and confidence at or
// above the gate.
func gate(decision *Decision, candidates []*Memory) (*Decision, bool) {
	downgrade := func(reason string) (*Decision, bool) {
		return &Decision{Event: EventNone, Confidence: decision.Confidence, Reason: reason}, true
	}

	switch decision.Event {
	case EventAdd, EventNone:
		return decision, false
	case EventUpdate, EventAppend, EventDelete:
		if decision.Confidence < ConfidenceGate {
			return downgrade("confidence below safety gate: " + decision.Reason)
		}
		for _, m := range candidates {
			if m.NoteID == decision.TargetNoteID {
				return decision, false
			}
		}
		return downgrade("target is not among retrieved memories")
	default:
		return &Decision{Event: EventNone, Confidence: decision.Confidence, Reason: "unrecognized event"}, false
	}
}

// UpdateByID rewrites a memory's content directly and indexes it
// synchronously.
func (s *Service) UpdateByID(ctx context.Context, noteID, content string) (*WriteResult, error) {
	if strings.TrimSpace(content) == "" {
		return nil, errors.InvalidArgument("memory content is empty")
	}
	updated, err := s.notes.Update(ctx, noteID, library.UpdateNoteParams{Content: &content})
	if err != nil {
		return nil, err
	}
	s.indexNow(ctx, updated.ResourceID)
	return &WriteResult{NoteID: updated.ID, ResourceID: updated.ResourceID}, nil
}

// refreshProfile regenerates the __user_profile__ summary note. Best
// effort: throttled to once per interval per process, skipped at
// in-between memory counts to bound model cost, and all failures end as
// warnings.
func (s *Service) refreshProfile() {
	now := time.Now().UnixMilli()
	last := s.lastProfileRefresh.Load()
	if now-last < profileRefreshInterval.Milliseconds() {
		return
	}
	if !s.lastProfileRefresh.CompareAndSwap(last, now) {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	rootID, err := s.RootFolderID(ctx)
	if err != nil {
		s.logger.Warn("profile refresh", "error", err)
		return
	}
	memories, err := s.listSubtree(ctx, rootID, false)
	if err != nil {
		s.logger.Warn("profile refresh", "error", err)
		return
	}
	if len(memories) == 0 {
		return
	}
	// Regenerate at small corpus sizes and then every fifth memory.
	if len(memories) > 10 && len(memories)%5 != 0 {
		return
	}
	if len(memories) > profileMemoryBudget {
		memories = memories[:profileMemoryBudget]
	}

	entries := make([]string, 0, len(memories))
	for _, m := range memories {
		full, err := s.Read(ctx, m.NoteID)
		if err != nil {
			continue
		}
		entries = append(entries, full.Title+": "+full.Content)
	}

	summary, err := s.llm.Summarize(ctx, entries)
	if err != nil || strings.TrimSpace(summary) == "" {
		s.logger.Warn("profile summary", "error", err)
		return
	}

	existing, err := s.findByTitle(ctx, rootID, ProfileTitle)
	switch {
	case errors.IsKind(err, errors.KindNotFound):
		_, resourceID, cerr := s.createNote(ctx, &rootID, ProfileTitle, summary, false)
		if cerr != nil {
			s.logger.Warn("profile create", "error", cerr)
			return
		}
		if derr := s.registry.MarkDisabled(ctx, resourceID, "user profile"); derr != nil {
			s.logger.Warn("profile index disable", "error", derr)
		}
	case err != nil:
		s.logger.Warn("profile lookup", "error", err)
	default:
		if _, uerr := s.notes.Update(ctx, existing.NoteID, library.UpdateNoteParams{Content: &summary}); uerr != nil {
			s.logger.Warn("profile update", "error", uerr)
		}
	}
}

// Profile returns the current user-profile summary, or empty when none
// has been generated yet.
func (s *Service) Profile(ctx context.Context) (string, error) {
	rootID, err := s.RootFolderID(ctx)
	if err != nil {
		return "", err
	}
	existing, err := s.findByTitle(ctx, rootID, ProfileTitle)
	if errors.IsKind(err, errors.KindNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	note, err := s.notes.Get(ctx, existing.NoteID)
	if err != nil {
		return "", err
	}
	return note.Content, nil
}
