package entities

// Function names the remote model can invoke.
const (
	FunctionStartEpisode          = "start_episode"
	FunctionMarkVocabularyLearned = "mark_vocabulary_learned"
	FunctionCompleteEpisode       = "complete_episode"
	FunctionPracticeWord          = "practice_word"
)

// FunctionCallRequest is a structured call emitted by the remote model.
type FunctionCallRequest struct {
	CallID    string         `json:"call_id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// String returns the named argument or "".
func (r FunctionCallRequest) String(key string) string {
	if v, ok := r.Arguments[key].(string); ok {
		return v
	}
	return ""
}

// Bool returns the named argument, accepting "true"/"false" strings.
func (r FunctionCallRequest) Bool(key string) (bool, bool) {
	switch v := r.Arguments[key].(type) {
	case bool:
		return v, true
	case string:
		switch v {
		case "true":
			return true, true
		case "false":
			return false, true
		}
	}
	return false, false
}

// Strings returns the named argument as a string slice.
func (r FunctionCallRequest) Strings(key string) []string {
	switch v := r.Arguments[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// FunctionCallResult is the answer to exactly one FunctionCallRequest.
type FunctionCallResult struct {
	CallID  string
	Name    string
	Success bool
	Error   string
	Fields  map[string]any

	// Episode is the episode started by start_episode.
	Episode *Episode
	// NextEpisode is the episode offered after complete_episode; nil when the catalog is exhausted.
	NextEpisode    *Episode
	ReturnToChoice bool
}

// Failed builds an unsuccessful result.
func Failed(req FunctionCallRequest, msg string) FunctionCallResult {
	return FunctionCallResult{
		CallID: req.CallID,
		Name:   req.Name,
		Error:  msg,
		Fields: map[string]any{},
	}
}

// Succeeded builds a successful result with fields.
func Succeeded(req FunctionCallRequest, fields map[string]any) FunctionCallResult {
	if fields == nil {
		fields = map[string]any{}
	}
	return FunctionCallResult{
		CallID:  req.CallID,
		Name:    req.Name,
		Success: true,
		Fields:  fields,
	}
}

// Output is the mapping returned to the remote model. It always carries success.
func (r FunctionCallResult) Output() map[string]any {
	out := make(map[string]any, len(r.Fields)+2)
	for k, v := range r.Fields {
		out[k] = v
	}
	out["success"] = r.Success
	if r.Error != "" {
		out["error"] = r.Error
	}
	return out
}
