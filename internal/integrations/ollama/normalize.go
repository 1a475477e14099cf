package ollama

import (
	"errors"
	"localai-backend/internal/models"
	"time"

	"github.com/tidwall/gjson"
)

// replyShape is the closed set of upstream reply layouts the gateway accepts.
type replyShape int

const (
	shapeBare       replyShape = iota // an object carrying none of the known payload keys
	shapeChat                         // {"message": {"role", "content"}, ...} from /api/chat
	shapeGenerate                     // {"response": "..."} from /api/generate
	shapeCompletion                   // {"choices": [{"message"|"delta": {...}}]} from the OpenAI-compatible API
	shapeError                        // {"error": "..."}
)

var errMalformedReply = errors.New("ollama: reply is not a JSON object")

func classifyReply(r gjson.Result) replyShape {
	switch {
	case r.Get("error").Exists():
		return shapeError
	case r.Get("message").IsObject():
		return shapeChat
	case r.Get("choices").IsArray():
		return shapeCompletion
	case r.Get("response").Type == gjson.String:
		return shapeGenerate
	default:
		return shapeBare
	}
}

// normalizeReply coerces one raw upstream reply (a full response or a stream
// fragment) into the canonical response. Missing role defaults to "assistant",
// missing content to "", missing created_at to now.
func normalizeReply(raw []byte) (models.ChatResponse, error) {
	if !gjson.ValidBytes(raw) {
		return models.ChatResponse{}, errMalformedReply
	}
	r := gjson.ParseBytes(raw)
	if !r.IsObject() {
		return models.ChatResponse{}, errMalformedReply
	}

	resp := models.ChatResponse{
		Model:     r.Get("model").String(),
		CreatedAt: r.Get("created_at").String(),
		Done:      r.Get("done").Bool(),
	}

	var msg gjson.Result
	switch classifyReply(r) {
	case shapeError:
		return models.ChatResponse{}, &UpstreamError{Message: r.Get("error").String()}
	case shapeChat:
		msg = r.Get("message")
	case shapeCompletion:
		choice := r.Get("choices.0")
		msg = choice.Get("message")
		if !msg.Exists() {
			msg = choice.Get("delta")
		}
		if reason := choice.Get("finish_reason"); reason.Type == gjson.String {
			resp.Done = true
		}
		if resp.CreatedAt == "" && r.Get("created").Exists() {
			resp.CreatedAt = time.Unix(r.Get("created").Int(), 0).UTC().Format(time.RFC3339Nano)
		}
	case shapeGenerate:
		resp.Message.Content = r.Get("response").String()
	}

	if msg.Exists() {
		resp.Message.Role = models.Role(msg.Get("role").String())
		resp.Message.Content = msg.Get("content").String()
	}
	if resp.Message.Role == "" {
		resp.Message.Role = models.RoleAssistant
	}
	if resp.CreatedAt == "" {
		resp.CreatedAt = time.Now().UTC().Format(time.RFC3339Nano)
	}

	resp.TotalDuration = optionalInt(r, "total_duration")
	resp.LoadDuration = optionalInt(r, "load_duration")
	resp.PromptEvalCount = optionalInt(r, "prompt_eval_count")
	resp.PromptEvalDuration = optionalInt(r, "prompt_eval_duration")
	resp.EvalCount = optionalInt(r, "eval_count")
	resp.EvalDuration = optionalInt(r, "eval_duration")

	return resp, nil
}

func optionalInt(r gjson.Result, path string) *int64 {
	v := r.Get(path)
	if v.Type != gjson.Number {
		return nil
	}
	n := v.Int()
	return &n
}
