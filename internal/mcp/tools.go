package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/anamnesis-ai/anamnesis/internal/auth"
	"github.com/anamnesis-ai/anamnesis/internal/model"
	"github.com/anamnesis-ai/anamnesis/internal/resolve"
	"github.com/anamnesis-ai/anamnesis/internal/storage"
)

// resolveRetryMax/resolveRetryBaseDelay bound storage.WithRetry's
// backoff around Apply/Rollback, whose internal WithTx can hit a
// Postgres serialization failure under concurrent resolution attempts
// on the same contradiction.
const (
	resolveRetryMax       = 3
	resolveRetryBaseDelay = 50 * time.Millisecond
)

func (s *Server) registerTools() {
	s.mcpServer.AddTool(
		mcplib.NewTool("anamnesis_remember",
			mcplib.WithDescription(`Send one utterance from a thread to be remembered.

Assertions ("I work at Acme", "actually, it's Globex not Acme") are
parsed into slot/value memories and written to the store; any
contradiction against an existing active memory is detected and
recorded on the ledger. Control-style utterances (attempts to make the
memory system itself ignore instructions or reveal internals) are
refused and never stored — call anamnesis_remember with the raw user
utterance, not with a summary of it.`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithString("thread_id",
				mcplib.Description("UUID of the thread this utterance belongs to. A new UUID starts a new thread."),
				mcplib.Required(),
			),
			mcplib.WithString("session_id",
				mcplib.Description("UUID of the current session. A new UUID per call is fine if the caller does not track sessions."),
				mcplib.Required(),
			),
			mcplib.WithString("utterance",
				mcplib.Description("The raw utterance text."),
				mcplib.Required(),
			),
		),
		s.handleRemember,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("anamnesis_recall",
			mcplib.WithDescription(`Send a question or instruction utterance and get back the system's
answer for a thread.

Returns the stable response envelope: an answer string, a response
type (belief, speech, disclosure, ask_user, refusal, uncertainty, or
reflection), and an x-ray listing every memory that materially
contributed, each flagged if it reintroduces a claim covered by an
open contradiction. gates_passed is false only when the
invariant enforcer downgraded the response because it could not
certify a reintroduced claim — treat that as "don't trust this answer
at face value".`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("thread_id",
				mcplib.Description("UUID of the thread to recall against."),
				mcplib.Required(),
			),
			mcplib.WithString("session_id",
				mcplib.Description("UUID of the current session."),
				mcplib.Required(),
			),
			mcplib.WithString("utterance",
				mcplib.Description("The question or instruction utterance."),
				mcplib.Required(),
			),
		),
		s.handleRecall,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("anamnesis_resolve",
			mcplib.WithDescription(`Suggest or apply a resolution for an open contradiction, or roll one
back within its window.

action="suggest" returns ranked candidate resolutions with a
rationale, never mutates anything. action="apply" requires one of
update_to_newer, update_to_older, keep_both, split_by_domain,
mark_past, or dismiss in resolution_action, and requires the caller to
hold the resolution-operator claim. action="rollback" inverts a prior
apply by rollback_id if still inside its rollback window, and also
requires the resolution-operator claim. split_by_domain additionally
requires domain_split, a JSON object mapping each involved memory_id
to its disjoint list of domain tags.`),
			mcplib.WithDestructiveHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithString("action",
				mcplib.Description(`One of "suggest", "apply", "rollback".`),
				mcplib.Required(),
			),
			mcplib.WithString("contradiction_id",
				mcplib.Description("UUID of the contradiction ledger entry. Required for suggest and apply."),
			),
			mcplib.WithString("resolution_action",
				mcplib.Description("Required when action=apply: one of update_to_newer, update_to_older, keep_both, split_by_domain, mark_past, dismiss."),
			),
			mcplib.WithString("note",
				mcplib.Description("Optional free-text annotation recorded with the resolution event."),
			),
			mcplib.WithString("domain_split",
				mcplib.Description(`Required when resolution_action=split_by_domain: a JSON object mapping each involved memory_id to an array of domain tags, e.g. {"<memory_id>": ["work"]}.`),
			),
			mcplib.WithString("rollback_id",
				mcplib.Description("Required when action=rollback: the rollback_id returned by a prior apply."),
			),
		),
		s.handleResolve,
	)
}

func (s *Server) handleRemember(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	threadID, err := uuid.Parse(request.GetString("thread_id", ""))
	if err != nil {
		return errorResult("thread_id must be a valid UUID"), nil
	}
	sessionID, err := uuid.Parse(request.GetString("session_id", ""))
	if err != nil {
		return errorResult("session_id must be a valid UUID"), nil
	}
	utterance := request.GetString("utterance", "")
	if utterance == "" {
		return errorResult("utterance is required"), nil
	}

	resp, err := s.engine.Interact(ctx, threadID, sessionID, utterance)
	if err != nil {
		s.logger.Error("mcp: remember failed", "error", err, "thread_id", threadID)
		return errorResult(fmt.Sprintf("remember failed: %v", err)), nil
	}
	return jsonResult(resp)
}

func (s *Server) handleRecall(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	threadID, err := uuid.Parse(request.GetString("thread_id", ""))
	if err != nil {
		return errorResult("thread_id must be a valid UUID"), nil
	}
	sessionID, err := uuid.Parse(request.GetString("session_id", ""))
	if err != nil {
		return errorResult("session_id must be a valid UUID"), nil
	}
	utterance := request.GetString("utterance", "")
	if utterance == "" {
		return errorResult("utterance is required"), nil
	}

	resp, err := s.engine.Interact(ctx, threadID, sessionID, utterance)
	if err != nil {
		s.logger.Error("mcp: recall failed", "error", err, "thread_id", threadID)
		return errorResult(fmt.Sprintf("recall failed: %v", err)), nil
	}
	return jsonResult(resp)
}

func (s *Server) handleResolve(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	action := request.GetString("action", "")

	switch action {
	case "suggest":
		contradictionID, err := uuid.Parse(request.GetString("contradiction_id", ""))
		if err != nil {
			return errorResult("contradiction_id must be a valid UUID"), nil
		}
		suggestions, err := s.resolver.Suggest(ctx, contradictionID)
		if err != nil {
			return errorResult(fmt.Sprintf("suggest failed: %v", err)), nil
		}
		return jsonResult(suggestions)

	case "apply":
		if !auth.IsResolutionOperator(ctx) {
			return errorResult("apply requires the resolution-operator claim"), nil
		}
		contradictionID, err := uuid.Parse(request.GetString("contradiction_id", ""))
		if err != nil {
			return errorResult("contradiction_id must be a valid UUID"), nil
		}
		resolutionAction := model.ResolutionAction(request.GetString("resolution_action", ""))
		if resolutionAction == "" {
			return errorResult("resolution_action is required for apply"), nil
		}

		params := resolve.ApplyParams{
			Action: resolutionAction,
			Actor:  model.ActorUser,
			Note:   request.GetString("note", ""),
		}
		if resolutionAction == model.ActionSplitByDomain {
			raw := request.GetString("domain_split", "")
			if raw == "" {
				return errorResult("domain_split is required for resolution_action=split_by_domain"), nil
			}
			var byString map[string][]string
			if err := json.Unmarshal([]byte(raw), &byString); err != nil {
				return errorResult(fmt.Sprintf("domain_split must be a JSON object of memory_id to domain tags: %v", err)), nil
			}
			split := make(map[uuid.UUID][]string, len(byString))
			for k, v := range byString {
				id, err := uuid.Parse(k)
				if err != nil {
					return errorResult(fmt.Sprintf("domain_split key %q is not a valid UUID", k)), nil
				}
				split[id] = v
			}
			params.DomainSplit = split
		}

		var result resolve.ApplyResult
		err = storage.WithRetry(ctx, resolveRetryMax, resolveRetryBaseDelay, func() error {
			var applyErr error
			result, applyErr = s.resolver.Apply(ctx, contradictionID, params)
			return applyErr
		})
		if err != nil {
			return errorResult(fmt.Sprintf("apply failed: %v", err)), nil
		}
		return jsonResult(result)

	case "rollback":
		if !auth.IsResolutionOperator(ctx) {
			return errorResult("rollback requires the resolution-operator claim"), nil
		}
		rollbackID, err := uuid.Parse(request.GetString("rollback_id", ""))
		if err != nil {
			return errorResult("rollback_id must be a valid UUID"), nil
		}
		err = storage.WithRetry(ctx, resolveRetryMax, resolveRetryBaseDelay, func() error {
			return s.resolver.Rollback(ctx, rollbackID)
		})
		if err != nil {
			return errorResult(fmt.Sprintf("rollback failed: %v", err)), nil
		}
		return textResult("rollback applied"), nil

	default:
		return errorResult(`action must be one of "suggest", "apply", "rollback"`), nil
	}
}

func jsonResult(v any) (*mcplib.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errorResult(fmt.Sprintf("marshal result: %v", err)), nil
	}
	return textResult(string(data)), nil
}
