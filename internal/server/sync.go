package server

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/google/uuid"

	"sitesync/internal/action"
	"sitesync/internal/channel"
	"sitesync/internal/engine"
	"sitesync/internal/engine/auth"
	"sitesync/internal/ledger"
	"sitesync/internal/repo"
)

type batchRoute struct {
	id      string
	path    string
	channel string
	summary string
}

var batchRoutes = []batchRoute{
	{"sync-batch", "/sync/batch", channel.GenericName, "Upload queued actions"},
	{"sync-labour-batch", "/sync/labour/batch", channel.LabourName, "Upload queued labour actions"},
	{"sync-engineer-batch", "/sync/engineer/batch", channel.EngineerName, "Upload queued site engineer actions"},
}

func registerSync(api huma.API, e engine.Engine, channels channel.Set) {
	for _, route := range batchRoutes {
		ch, _ := channels.Get(route.channel)
		huma.Register(api, huma.Operation{
			OperationID: route.id,
			Method:      http.MethodPost,
			Path:        route.path,
			Summary:     route.summary,
			Tags:        []string{"sync"},
			Errors: []int{
				http.StatusBadRequest,
				http.StatusUnauthorized,
				http.StatusTooManyRequests,
			},
		}, func(ctx context.Context, input *struct {
			Body SyncBatchRequest `json:"body"`
		}) (*struct {
			Body SyncBatchResponse `json:"body"`
		}, error) {
			actor, authErr := actorFromContext(ctx)
			if authErr != nil {
				return nil, authErr
			}
			raws, err := batchActions(ctx)
			if err != nil {
				return nil, err
			}
			res, perr := e.ProcessBatch(ctx, actor, ch, raws)
			if perr != nil {
				return nil, handleError(perr)
			}
			return &struct {
				Body SyncBatchResponse `json:"body"`
			}{Body: res}, nil
		})
	}
}

// batchActions extracts the raw action list so that each element is decoded
// independently by the engine.
func batchActions(ctx context.Context) ([]json.RawMessage, huma.StatusError) {
	raw, ok := rawBodyMap(ctx)["actions"]
	if !ok {
		return nil, newAPIError(http.StatusBadRequest, "invalid_batch", "actions must be a non-empty array", nil)
	}
	var raws []json.RawMessage
	if err := json.Unmarshal(raw, &raws); err != nil {
		return nil, newAPIError(http.StatusBadRequest, "invalid_batch", "actions must be a non-empty array", nil)
	}
	return raws, nil
}

func registerAttendance(api huma.API, e engine.Engine, channels channel.Set) {
	ch, _ := channels.Get(channel.GenericName)
	for _, t := range []action.Type{action.CheckInType, action.CheckOutType} {
		actionType := t
		opID, opPath, summary := "check-in", "/attendance/check-in", "Check in (single action)"
		if actionType == action.CheckOutType {
			opID, opPath, summary = "check-out", "/attendance/check-out", "Check out (single action)"
		}
		huma.Register(api, huma.Operation{
			OperationID: opID,
			Method:      http.MethodPost,
			Path:        opPath,
			Summary:     summary,
			Tags:        []string{"attendance"},
			Errors: []int{
				http.StatusBadRequest,
				http.StatusUnauthorized,
				http.StatusTooManyRequests,
			},
		}, func(ctx context.Context, input *struct {
			Body AttendanceRequest `json:"body"`
		}) (*struct {
			Body AttendanceResponse `json:"body"`
		}, error) {
			actor, authErr := actorFromContext(ctx)
			if authErr != nil {
				return nil, authErr
			}
			raw, err := attendanceAction(actionType, input.Body)
			if err != nil {
				return nil, handleError(err)
			}
			out := e.ProcessAction(ctx, actor, ch, raw)
			resp := AttendanceResponse{
				Success:      out.Disposition != engine.DispositionRejected,
				AttendanceID: out.EntityID,
				SyncStatus:   out.SyncStatus(),
				WorkHours:    floatFrom(out.Data, "work_hours"),
			}
			if !resp.Success {
				resp.Error = out.Reason
			}
			return &struct {
				Body AttendanceResponse `json:"body"`
			}{Body: resp}, nil
		})
	}
}

func attendanceAction(t action.Type, req AttendanceRequest) (json.RawMessage, error) {
	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}
	payload, err := json.Marshal(action.Location{Latitude: req.Latitude, Longitude: req.Longitude, Timestamp: req.Timestamp})
	if err != nil {
		return nil, err
	}
	return json.Marshal(action.Envelope{
		ID:         id,
		ActionType: t,
		EntityType: action.Attendance,
		ProjectID:  req.ProjectID,
		Payload:    payload,
		Timestamp:  req.Timestamp,
	})
}

func registerActions(api huma.API, e engine.Engine) {
	gate := auth.Gate{Repo: e.Repo}
	huma.Register(api, huma.Operation{
		OperationID: "get-action",
		Method:      http.MethodGet,
		Path:        "/sync/actions/{action_id}",
		Summary:     "Ledger entry for an uploaded action",
		Tags:        []string{"sync"},
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		ActionID string `path:"action_id"`
	}) (*struct {
		Body ActionStatusResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		entry, err := e.Repo.GetLedgerEntry(ctx, nil, input.ActionID)
		if err != nil {
			return nil, handleError(err)
		}
		if entry.ActorID != actor.ID {
			if err := gate.Require(ctx, entry.ProjectID, actor.ID, auth.PermLedgerRead); err != nil {
				return nil, handleError(err)
			}
		}
		resp := ActionStatusResponse{Entry: entry}
		if entry.Status == ledger.StatusApplied && e.Applier != nil {
			data, err := e.Applier.Replay(ctx, entry)
			if err == nil {
				resp.Data = data
			}
		}
		return &struct {
			Body ActionStatusResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-actions",
		Method:      http.MethodGet,
		Path:        "/sync/actions",
		Summary:     "The caller's processed actions, newest first",
		Tags:        []string{"sync"},
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
		},
	}, func(ctx context.Context, input *struct {
		ProjectID string `query:"project_id"`
		Status    string `query:"status" enum:"APPLIED,REJECTED"`
		Limit     int    `query:"limit" default:"50"`
	}) (*struct {
		Body paginatedActions `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.ListLedgerEntries(ctx, repo.LedgerFilters{
			ActorID:   actor.ID,
			ProjectID: input.ProjectID,
			Status:    input.Status,
			Limit:     normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body paginatedActions `json:"body"`
		}{Body: paginatedActions{Items: nonNilSlice(items)}}, nil
	})
}

func registerMe(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors: []int{
			http.StatusUnauthorized,
		},
	}, func(ctx context.Context, input *struct {
		ProjectID string `query:"project_id"`
	}) (*struct {
		Body WhoAmIResponse `json:"body"`
	}, error) {
		principal, ok := principalFromContext(ctx)
		if !ok || principal.ActorID == "" {
			return nil, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
		}
		resp := WhoAmIResponse{ActorID: principal.ActorID, Source: principal.Source, Roles: []string{}}
		if input.ProjectID != "" {
			roles, err := e.Repo.ActorRoles(ctx, nil, input.ProjectID, principal.ActorID)
			if err != nil {
				return nil, handleError(err)
			}
			resp.ProjectID = input.ProjectID
			resp.Roles = nonNilSlice(roles)
		}
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: resp}, nil
	})
}
