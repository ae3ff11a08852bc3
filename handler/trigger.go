package handler

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"keel/model"
	"keel/pipeline"
)

// githubPayload covers the fields of push, pull_request and issue_comment
// events that a rebuild needs.
type githubPayload struct {
	Action     string `json:"action"`
	After      string `json:"after"`
	HeadCommit struct {
		ID string `json:"id"`
	} `json:"head_commit"`
	PullRequest *struct {
		StatusesURL string `json:"statuses_url"`
		Head        struct {
			SHA string `json:"sha"`
		} `json:"head"`
	} `json:"pull_request"`
	Repository struct {
		StatusesURL      string `json:"statuses_url"`
		CollaboratorsURL string `json:"collaborators_url"`
	} `json:"repository"`
	Sender struct {
		Login string `json:"login"`
	} `json:"sender"`
	Comment *struct {
		Body string `json:"body"`
	} `json:"comment"`
	Issue *struct {
		PullRequest *struct {
			URL string `json:"url"`
		} `json:"pull_request"`
	} `json:"issue"`
}

// Trigger rebuilds the assemblies of the plan behind {triggerId}. It
// accepts a GitHub webhook delivery or an explicit pipeline.TriggerRequest.
func (h *Handler) Trigger(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxPlanSize))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	if h.cfg != nil && h.cfg.WebhookSecret != "" {
		if !verifySignature(body, h.cfg.WebhookSecret, r.Header.Get("X-Hub-Signature-256")) {
			writeError(w, http.StatusForbidden, "invalid signature")
			return
		}
	}

	var req pipeline.TriggerRequest
	switch event := r.Header.Get("X-GitHub-Event"); event {
	case "":
		if len(bytes.TrimSpace(body)) > 0 {
			if err := json.Unmarshal(body, &req); err != nil {
				writeError(w, http.StatusBadRequest, "invalid payload")
				return
			}
		}
	case "push", "pull_request", "issue_comment":
		var payload githubPayload
		if err := json.Unmarshal(body, &payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid payload")
			return
		}
		if event == "issue_comment" && !payload.asksRebuild(h.rebuildPhrase()) {
			writeJSON(w, map[string]any{"ignored": true, "event": event})
			return
		}
		req = payload.request()
	default:
		writeJSON(w, map[string]any{"ignored": true, "event": event})
		return
	}

	rebuilt, err := h.pipe.Trigger(r.Context(), chi.URLParam(r, "triggerId"), req)
	if err != nil && len(rebuilt) == 0 {
		h.fail(w, r, err)
		return
	}
	if rebuilt == nil {
		rebuilt = []model.Assembly{}
	}
	resp := map[string]any{"assemblies": rebuilt}
	if err != nil {
		resp["dispatchError"] = err.Error()
	}
	writeStatus(w, http.StatusAccepted, resp)
}

func (p githubPayload) request() pipeline.TriggerRequest {
	sha := p.After
	if p.HeadCommit.ID != "" {
		sha = p.HeadCommit.ID
	}
	statuses := p.Repository.StatusesURL
	if p.PullRequest != nil {
		sha = p.PullRequest.Head.SHA
		if p.PullRequest.StatusesURL != "" {
			statuses = p.PullRequest.StatusesURL
		}
	}
	// issue_comment carries no commit, so the rebuild takes HEAD unreported.
	req := pipeline.TriggerRequest{CommitSHA: sha}
	if sha != "" {
		req.StatusURL = strings.Replace(statuses, "{sha}", sha, 1)
	}
	if p.Repository.CollaboratorsURL != "" && p.Sender.Login != "" {
		req.CollaboratorURL = strings.Replace(p.Repository.CollaboratorsURL, "{/collaborator}", "/"+p.Sender.Login, 1)
	}
	return req
}

// asksRebuild reports whether a new comment on a pull request contains the
// rebuild phrase.
func (p githubPayload) asksRebuild(phrase string) bool {
	if phrase == "" || p.Action != "created" || p.Comment == nil {
		return false
	}
	if p.Issue == nil || p.Issue.PullRequest == nil {
		return false
	}
	return strings.Contains(strings.ToLower(p.Comment.Body), strings.ToLower(phrase))
}

func (h *Handler) rebuildPhrase() string {
	if h.cfg == nil {
		return ""
	}
	return h.cfg.RebuildPhrase
}

// verifySignature checks GitHub's "sha256=<hex>" HMAC of the body.
func verifySignature(body []byte, secret, sigHeader string) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(sigHeader), []byte(expected))
}
