package models

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"
)

const stepSubmissionsKey = "step_submissions"

// SubmissionMeta describes the work a user attached to a step
type SubmissionMeta struct {
	FileName   string    `json:"fileName"`
	FilePath   string    `json:"filePath"`
	UploadedAt time.Time `json:"uploadedAt"`
}

// ProgressData holds per-progress extension data. Step submissions are a
// typed field; anything else lands in Extra untouched.
//
// On the wire it is a single JSON object: {"step_submissions": {"0": {...}}, ...extra}.
type ProgressData struct {
	StepSubmissions map[int]SubmissionMeta     `json:"-"`
	Extra           map[string]json.RawMessage `json:"-"`
}

// HasSubmission reports whether a submission exists for the step
func (d ProgressData) HasSubmission(step int) bool {
	_, ok := d.StepSubmissions[step]
	return ok
}

// WithSubmission returns a copy of d with the submission recorded for step
func (d ProgressData) WithSubmission(step int, meta SubmissionMeta) ProgressData {
	out := d.Clone()
	if out.StepSubmissions == nil {
		out.StepSubmissions = make(map[int]SubmissionMeta)
	}
	out.StepSubmissions[step] = meta
	return out
}

// Clone deep-copies the maps
func (d ProgressData) Clone() ProgressData {
	out := ProgressData{}
	if d.StepSubmissions != nil {
		out.StepSubmissions = make(map[int]SubmissionMeta, len(d.StepSubmissions))
		for k, v := range d.StepSubmissions {
			out.StepSubmissions[k] = v
		}
	}
	if d.Extra != nil {
		out.Extra = make(map[string]json.RawMessage, len(d.Extra))
		for k, v := range d.Extra {
			out.Extra[k] = append(json.RawMessage(nil), v...)
		}
	}
	return out
}

// MarshalJSON flattens the typed field and the extras into one object
func (d ProgressData) MarshalJSON() ([]byte, error) {
	obj := make(map[string]interface{}, len(d.Extra)+1)
	for k, v := range d.Extra {
		obj[k] = v
	}
	if len(d.StepSubmissions) > 0 {
		subs := make(map[string]SubmissionMeta, len(d.StepSubmissions))
		for step, meta := range d.StepSubmissions {
			subs[strconv.Itoa(step)] = meta
		}
		obj[stepSubmissionsKey] = subs
	}
	return json.Marshal(obj)
}

// UnmarshalJSON accepts the flat object form. A null or empty body yields empty data.
func (d *ProgressData) UnmarshalJSON(data []byte) error {
	*d = ProgressData{}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("failed to unmarshal progress data: %w", err)
	}

	for k, v := range obj {
		if k != stepSubmissionsKey {
			if d.Extra == nil {
				d.Extra = make(map[string]json.RawMessage)
			}
			d.Extra[k] = v
			continue
		}

		var subs map[string]SubmissionMeta
		if err := json.Unmarshal(v, &subs); err != nil {
			return fmt.Errorf("failed to unmarshal step submissions: %w", err)
		}
		for key, meta := range subs {
			step, err := strconv.Atoi(key)
			if err != nil {
				return fmt.Errorf("invalid step index %q in submissions", key)
			}
			if d.StepSubmissions == nil {
				d.StepSubmissions = make(map[int]SubmissionMeta)
			}
			d.StepSubmissions[step] = meta
		}
	}

	return nil
}

// ChallengeProgress is one user's progress through one challenge
type ChallengeProgress struct {
	ID             string       `json:"id"`
	UserID         string       `json:"user_id"`
	ChallengeID    string       `json:"challenge_id"`
	CurrentStep    int          `json:"current_step"`
	CompletedSteps []int        `json:"completed_steps"`
	IsCompleted    bool         `json:"is_completed"`
	StartedAt      time.Time    `json:"started_at"`
	CompletedAt    *time.Time   `json:"completed_at,omitempty"`
	Notes          string       `json:"notes"`
	ProgressData   ProgressData `json:"progress_data"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// Clone returns a deep copy so cached records never leak shared slices
func (p *ChallengeProgress) Clone() *ChallengeProgress {
	if p == nil {
		return nil
	}
	out := *p
	out.CompletedSteps = append([]int{}, p.CompletedSteps...)
	if p.CompletedAt != nil {
		t := *p.CompletedAt
		out.CompletedAt = &t
	}
	out.ProgressData = p.ProgressData.Clone()
	return &out
}

// HasCompleted reports whether step is in the completed set
func (p *ChallengeProgress) HasCompleted(step int) bool {
	for _, s := range p.CompletedSteps {
		if s == step {
			return true
		}
	}
	return false
}

// ProgressPatch is the row-level update for a progress record. Nil fields are
// left alone; SetCompletedAt controls CompletedAt (which may be set to nil).
type ProgressPatch struct {
	CurrentStep    *int
	CompletedSteps []int
	IsCompleted    *bool
	SetCompletedAt bool
	CompletedAt    *time.Time
	Notes          *string
	ProgressData   *ProgressData
}

// Apply applies the patch to p in place
func (pp ProgressPatch) Apply(p *ChallengeProgress) {
	if pp.CurrentStep != nil {
		p.CurrentStep = *pp.CurrentStep
	}
	if pp.CompletedSteps != nil {
		p.CompletedSteps = NormalizeSteps(pp.CompletedSteps)
	}
	if pp.IsCompleted != nil {
		p.IsCompleted = *pp.IsCompleted
	}
	if pp.SetCompletedAt {
		p.CompletedAt = pp.CompletedAt
	}
	if pp.Notes != nil {
		p.Notes = *pp.Notes
	}
	if pp.ProgressData != nil {
		p.ProgressData = pp.ProgressData.Clone()
	}
}

// NormalizeSteps returns the steps de-duplicated and sorted ascending
func NormalizeSteps(steps []int) []int {
	seen := make(map[int]struct{}, len(steps))
	out := make([]int, 0, len(steps))
	for _, s := range steps {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Ints(out)
	return out
}

// ChallengeProgressView is the progress record plus its derived percentage
type ChallengeProgressView struct {
	*ChallengeProgress
	CompletionPercentage int `json:"completion_percentage"`
}

// SubmissionRequest attaches submission metadata to a step
type SubmissionRequest struct {
	FileName string `json:"file_name"`
	FilePath string `json:"file_path"`
}

// NotesRequest overwrites a progress record's notes
type NotesRequest struct {
	Notes string `json:"notes"`
}
