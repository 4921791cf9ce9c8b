package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"enrollment/internal/authority"
	"enrollment/internal/changefeed"
	"enrollment/internal/domain"
	"enrollment/internal/engine"
	"enrollment/internal/engine/auth"
	"enrollment/internal/rate"
	"enrollment/internal/reference"
	"enrollment/internal/repo"
	"enrollment/internal/snapshot"
)

// ReadAccess decides whether a case-worker may read a person's data.
type ReadAccess interface {
	VerifyReadAccess(ctx context.Context, caseWorkerIdent, personIdent string) error
}

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	// Access checks case-worker reads. Without it only services may read
	// participant data.
	Access ReadAccess
	Feed   *changefeed.Consumer
	Logger *slog.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_for_publish"`
	Message string         `json:"message" example:"participant is invalid for publish: no application date"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"participant_id\":\"0c3f1b7a-6a7e-4d55-9f43-55d9b2a4e001\"}"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the enrollment API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = cfg.Logger
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the requested envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors should be 400 bad_request
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Enrollment API", "1.0.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerParticipants(group, cfg)
	registerHistory(group, cfg)
	registerSnapshots(group, cfg)
	registerReferences(group, cfg.Engine)
	registerFeeds(group, cfg)
	registerOutbox(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var fe auth.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"permission": fe.Permission})
	}
	var ip *snapshot.InvalidForPublishError
	if errors.As(err, &ip) {
		return newAPIError(http.StatusUnprocessableEntity, "invalid_for_publish", err.Error(), map[string]any{"participant_id": ip.ParticipantID.String(), "reason": ip.Reason})
	}
	var re *reference.ResolutionError
	if errors.As(err, &re) {
		return newAPIError(http.StatusBadGateway, "resolution_failed", err.Error(), map[string]any{"kind": re.Kind, "key": re.Key})
	}
	var de *changefeed.DecodeError
	if errors.As(err, &de) {
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), map[string]any{"topic": de.Topic, "key": de.Key})
	}
	if errors.Is(err, engine.ErrConflict) {
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrNotFound) || errors.Is(err, authority.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

// requireRead allows services, and case-workers the access check admits.
func requireRead(ctx context.Context, cfg Config, personIdent string) error {
	p, ok := principalFromContext(ctx)
	if ok && p.Service {
		return nil
	}
	if !ok || cfg.Access == nil {
		return auth.ForbiddenError{Permission: auth.PermissionReadPerson, Subject: p.Subject}
	}
	return cfg.Access.VerifyReadAccess(ctx, p.Subject, personIdent)
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	security := []map[string][]string{{"bearerAuth": {}}}
	oas.Security = security
	healthPath := path.Join(basePath, "health")
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if route == healthPath {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

// ParticipantPath binds the participant_id path parameter. It is exported so
// huma binds it when embedded in an input struct.
type ParticipantPath struct {
	ParticipantID string `path:"participant_id" format:"uuid"`
}

func (p ParticipantPath) id() (uuid.UUID, huma.StatusError) {
	id, err := uuid.Parse(p.ParticipantID)
	if err != nil {
		return uuid.Nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid participant_id", map[string]any{"participant_id": p.ParticipantID})
	}
	return id, nil
}

// readableParticipant loads a participant after the read check.
func readableParticipant(ctx context.Context, cfg Config, raw ParticipantPath) (domain.Participant, huma.StatusError) {
	id, perr := raw.id()
	if perr != nil {
		return domain.Participant{}, perr
	}
	p, err := cfg.Engine.Participant(ctx, id)
	if err != nil {
		return domain.Participant{}, handleError(err)
	}
	if err := requireRead(ctx, cfg, p.Person.Ident); err != nil {
		return domain.Participant{}, handleError(err)
	}
	return p, nil
}

func registerParticipants(api huma.API, cfg Config) {
	e := cfg.Engine
	huma.Register(api, huma.Operation{
		OperationID:   "enroll-participant",
		Method:        http.MethodPost,
		Path:          "/participants",
		Summary:       "Enroll participant",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body EnrollRequest `json:"body"`
	}) (*struct {
		Body domain.Participant `json:"body"`
	}, error) {
		if err := requireService(ctx); err != nil {
			return nil, handleError(err)
		}
		opts, err := input.Body.options()
		if err != nil {
			return nil, handleError(err)
		}
		p, err := e.Enroll(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Participant `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-participant",
		Method:      http.MethodGet,
		Path:        "/participants/{participant_id}",
		Summary:     "Get participant",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusBadGateway},
	}, func(ctx context.Context, input *ParticipantPath) (*struct {
		Body domain.Participant `json:"body"`
	}, error) {
		p, serr := readableParticipant(ctx, cfg, *input)
		if serr != nil {
			return nil, serr
		}
		return &struct {
			Body domain.Participant `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-participant",
		Method:        http.MethodDelete,
		Path:          "/participants/{participant_id}",
		Summary:       "Delete participant",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *ParticipantPath) (*struct{}, error) {
		if err := requireService(ctx); err != nil {
			return nil, handleError(err)
		}
		id, perr := input.id()
		if perr != nil {
			return nil, perr
		}
		if err := e.DeleteParticipant(ctx, id); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "participant-timeline",
		Method:      http.MethodGet,
		Path:        "/participants/{participant_id}/timeline",
		Summary:     "Participation-rate timeline",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *ParticipantPath) (*struct {
		Body TimelineResponse `json:"body"`
	}, error) {
		p, serr := readableParticipant(ctx, cfg, *input)
		if serr != nil {
			return nil, serr
		}
		records, err := e.Timeline(ctx, p.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TimelineResponse `json:"body"`
		}{Body: TimelineResponse{Items: rate.Bounds(records, p.EndDate)}}, nil
	})
}

func registerHistory(api huma.API, cfg Config) {
	e := cfg.Engine
	huma.Register(api, huma.Operation{
		OperationID: "list-history",
		Method:      http.MethodGet,
		Path:        "/participants/{participant_id}/history",
		Summary:     "Participant history, most recent first",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *ParticipantPath) (*struct {
		Body HistoryResponse `json:"body"`
	}, error) {
		p, serr := readableParticipant(ctx, cfg, *input)
		if serr != nil {
			return nil, serr
		}
		entries, err := e.History(ctx, p.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body HistoryResponse `json:"body"`
		}{Body: HistoryResponse{Items: domain.Tag(entries)}}, nil
	})

	// The body is a tagged entry {"type": ..., "data": ...}; it is decoded
	// from the raw bytes since the variant decides the payload shape.
	huma.Register(api, huma.Operation{
		OperationID: "record-history",
		Method:      http.MethodPost,
		Path:        "/participants/{participant_id}/history",
		Summary:     "Record history entry",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *ParticipantPath) (*struct {
		Body domain.Participant `json:"body"`
	}, error) {
		if err := requireService(ctx); err != nil {
			return nil, handleError(err)
		}
		id, perr := input.id()
		if perr != nil {
			return nil, perr
		}
		raw := bodyBytes(ctx)
		if len(raw) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		var tagged domain.TaggedEntry
		if err := json.Unmarshal(raw, &tagged); err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid history entry", map[string]any{"error": err.Error()})
		}
		p, err := e.Record(ctx, id, tagged.Data)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Participant `json:"body"`
		}{Body: p}, nil
	})
}

func registerSnapshots(api huma.API, cfg Config) {
	e := cfg.Engine
	huma.Register(api, huma.Operation{
		OperationID: "get-snapshot",
		Method:      http.MethodGet,
		Path:        "/participants/{participant_id}/snapshot",
		Summary:     "Build participant snapshot",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusUnprocessableEntity, http.StatusBadGateway},
	}, func(ctx context.Context, input *struct {
		ParticipantPath
		Version string `query:"version" enum:"v1,v2" default:"v2"`
	}) (*struct {
		Body SnapshotResponse `json:"body"`
	}, error) {
		p, serr := readableParticipant(ctx, cfg, input.ParticipantPath)
		if serr != nil {
			return nil, serr
		}
		snap, err := e.BuildSnapshot(ctx, p.ID, false)
		if err != nil {
			return nil, handleError(err)
		}
		resp := SnapshotResponse{Version: input.Version}
		if input.Version == "v1" {
			resp.V1 = &snap.V1
		} else {
			resp.Version = "v2"
			resp.V2 = &snap.V2
		}
		return &struct {
			Body SnapshotResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "publish-snapshot",
		Method:      http.MethodPost,
		Path:        "/participants/{participant_id}/publish",
		Summary:     "Publish participant snapshot",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusUnprocessableEntity, http.StatusBadGateway},
	}, func(ctx context.Context, input *struct {
		ParticipantPath
		Forced bool `query:"forced"`
	}) (*struct {
		Body PublishResponse `json:"body"`
	}, error) {
		if err := requireService(ctx); err != nil {
			return nil, handleError(err)
		}
		id, perr := input.id()
		if perr != nil {
			return nil, perr
		}
		res, err := e.Publish(ctx, id, input.Forced)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PublishResponse `json:"body"`
		}{Body: publishResponse(res)}, nil
	})
}

type referencePath struct {
	ID string `path:"id" format:"uuid"`
}

func (p referencePath) parse() (uuid.UUID, huma.StatusError) {
	id, err := uuid.Parse(p.ID)
	if err != nil {
		return uuid.Nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid id", map[string]any{"id": p.ID})
	}
	return id, nil
}

func registerReferences(api huma.API, e engine.Engine) {
	errs := []int{http.StatusBadRequest, http.StatusNotFound, http.StatusBadGateway}
	huma.Register(api, huma.Operation{
		OperationID: "get-organization",
		Method:      http.MethodGet,
		Path:        "/organizations/{id}",
		Summary:     "Resolve organization",
		Errors:      errs,
	}, func(ctx context.Context, input *referencePath) (*struct {
		Body domain.Organization `json:"body"`
	}, error) {
		id, perr := input.parse()
		if perr != nil {
			return nil, perr
		}
		var (
			o   domain.Organization
			err error
		)
		if e.References != nil {
			o, err = e.References.Organization(ctx, id)
		} else {
			o, err = e.Repo.GetOrganization(ctx, id)
		}
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Organization `json:"body"`
		}{Body: o}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-local-office",
		Method:      http.MethodGet,
		Path:        "/local-offices/{id}",
		Summary:     "Resolve local office",
		Errors:      errs,
	}, func(ctx context.Context, input *referencePath) (*struct {
		Body domain.LocalOffice `json:"body"`
	}, error) {
		id, perr := input.parse()
		if perr != nil {
			return nil, perr
		}
		office, err := e.Builder.LocalOffices.LocalOffice(ctx, id)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.LocalOffice `json:"body"`
		}{Body: office}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-case-worker",
		Method:      http.MethodGet,
		Path:        "/case-workers/{id}",
		Summary:     "Resolve case-worker",
		Errors:      errs,
	}, func(ctx context.Context, input *referencePath) (*struct {
		Body domain.CaseWorker `json:"body"`
	}, error) {
		id, perr := input.parse()
		if perr != nil {
			return nil, perr
		}
		cw, err := e.Builder.CaseWorkers.CaseWorker(ctx, id)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.CaseWorker `json:"body"`
		}{Body: cw}, nil
	})
}

func registerFeeds(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "ingest-feed",
		Method:      http.MethodPost,
		Path:        "/feeds/{topic}",
		Summary:     "Apply change-feed messages in order",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Topic string `path:"topic"`
		Body  struct {
			Messages []FeedMessage `json:"messages"`
		} `json:"body"`
	}) (*struct {
		Body FeedResponse `json:"body"`
	}, error) {
		if err := requireService(ctx); err != nil {
			return nil, handleError(err)
		}
		if cfg.Feed == nil {
			return nil, newAPIError(http.StatusNotFound, "not_found", "change feed not configured", nil)
		}
		if _, ok := cfg.Feed.Handlers[input.Topic]; !ok {
			return nil, newAPIError(http.StatusNotFound, "not_found", fmt.Sprintf("unknown topic %s", input.Topic), map[string]any{"topic": input.Topic})
		}
		applied := 0
		for _, m := range input.Body.Messages {
			value, err := json.Marshal(m.Value)
			if err != nil {
				return nil, handleError(err)
			}
			msg := changefeed.Message{Topic: input.Topic, Key: m.Key, Value: value, Offset: m.Offset}
			if err := cfg.Feed.Apply(ctx, msg); err != nil {
				he := handleError(err)
				if ae, ok := he.(*apiError); ok {
					if ae.Body.Details == nil {
						ae.Body.Details = map[string]any{}
					}
					ae.Body.Details["applied"] = applied
				}
				return nil, he
			}
			applied++
		}
		return &struct {
			Body FeedResponse `json:"body"`
		}{Body: FeedResponse{Topic: input.Topic, Applied: applied}}, nil
	})
}

func registerOutbox(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-outbox",
		Method:      http.MethodGet,
		Path:        "/outbox",
		Summary:     "List published snapshots after a cursor",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Cursor  int64  `query:"cursor" minimum:"0"`
		Limit   int    `query:"limit" default:"50"`
		Version string `query:"version" enum:"v1,v2"`
	}) (*struct {
		Body paginatedOutbox `json:"body"`
	}, error) {
		if err := requireService(ctx); err != nil {
			return nil, handleError(err)
		}
		limit := normalizeLimit(input.Limit)
		var versions []string
		if input.Version != "" {
			versions = []string{input.Version}
		}
		items, err := e.Repo.OutboxAfter(ctx, limit+1, input.Cursor, versions)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedOutbox{Items: []OutboxRecordResponse{}}
		if len(items) > limit {
			items = items[:limit]
			resp.NextCursor = fmt.Sprintf("%d", items[limit-1].ID)
		}
		for _, rec := range items {
			r, err := outboxRecordResponse(rec)
			if err != nil {
				return nil, handleError(err)
			}
			resp.Items = append(resp.Items, r)
		}
		return &struct {
			Body paginatedOutbox `json:"body"`
		}{Body: resp}, nil
	})
}

func bodyBytes(ctx context.Context) []byte {
	if b, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return b
	}
	if req, ok := ctx.Value(requestKey{}).(*http.Request); ok && req.Body != nil {
		data, _ := io.ReadAll(req.Body)
		req.Body = io.NopCloser(bytes.NewBuffer(data))
		return data
	}
	return nil
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 500 {
		return 500
	}
	return in
}
