package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"tasknest/domain"
	"tasknest/storage"
	"tasknest/view"
)

// Register wires up all API routes on the provided Echo instance.
func Register(e *echo.Echo, store Storage, auth Authenticator, deduper Deduper, opener StreamOpener, logger *log.Logger) {
	e.Use(GzipRequestMiddleware())

	e.GET("/api/tasks", getTasks(store, auth, logger))
	e.POST("/api/tasks", createTask(store, auth, deduper))
	e.PATCH("/api/tasks/:id", updateTask(store, auth))
	e.DELETE("/api/tasks/completed", deleteCompleted(store, auth))
	e.DELETE("/api/tasks/:id", deleteTask(store, auth))
	e.POST("/api/tasks/reorder", reorderTasks(store, auth))
	e.PUT("/api/push-token", putPushToken(store, auth))
	e.DELETE("/api/push-token", deletePushToken(store, auth))
	e.GET("/api/stream", streamTasks(store, auth, opener, logger))
	e.GET("/healthz", healthz())
}

func healthz() echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	}
}

// snapshotSources maps live-query source ids to their initial fetches. The
// ids match the pub/sub channel names so a streamed change and its seed data
// share a membership key in the merged view.
func snapshotSources(store Storage, id domain.Identity, shared domain.SharedScope) map[string]func(context.Context) ([]domain.Task, error) {
	sources := make(map[string]func(context.Context) ([]domain.Task, error), 2)

	if !shared.Empty() {
		if shared.BatchID != "" {
			sources[domain.BatchChannel(shared.BatchID)] = func(ctx context.Context) ([]domain.Task, error) {
				return store.FetchByBatch(ctx, shared.BatchID)
			}
			return sources
		}
		sources[domain.TaskChannel(shared.TaskID)] = func(ctx context.Context) ([]domain.Task, error) {
			t, err := store.FindTask(ctx, shared.TaskID)
			if errors.Is(err, storage.ErrNotFound) {
				return nil, nil
			}
			if err != nil {
				return nil, err
			}
			return []domain.Task{t}, nil
		}
		return sources
	}

	if key := id.OwnerKey(); key != "" {
		sources[domain.OwnerChannel(key)] = func(ctx context.Context) ([]domain.Task, error) {
			return store.FetchOwned(ctx, key)
		}
	}
	if id.Nickname != "" {
		sources[domain.AssigneeChannel(id.Nickname)] = func(ctx context.Context) ([]domain.Task, error) {
			return store.FetchByAssignee(ctx, id.Nickname)
		}
	}
	return sources
}

// mergedSnapshot folds every source's tasks through a merge view so a task
// matched by several predicates appears once.
func mergedSnapshot(ctx context.Context, store Storage, id domain.Identity, shared domain.SharedScope) ([]domain.Task, error) {
	v := view.NewMergeView()
	for source, fetch := range snapshotSources(store, id, shared) {
		tasks, err := fetch(ctx)
		if err != nil {
			return nil, err
		}
		for _, t := range tasks {
			v.Apply(source, domain.ChangeRecord{Type: domain.ChangeAdded, Task: t})
		}
	}
	return v.Snapshot(), nil
}

func scopeKind(id domain.Identity, shared domain.SharedScope) string {
	switch {
	case shared.BatchID != "":
		return "batch"
	case shared.TaskID != "":
		return "task"
	case id.Nickname != "":
		return "owner+assignee"
	default:
		return "owner"
	}
}

func getTasks(store Storage, auth Authenticator, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		metrics := newTaskRequestMetrics(logger)
		defer func() {
			metrics.Log(c.Response().Status, err)
		}()

		authStart := time.Now()
		id, identErr := resolveIdentity(c, auth)
		metrics.ObserveAuth(time.Since(authStart))
		if identErr != nil {
			metrics.SetErrorStage("auth")
			err = c.String(http.StatusUnauthorized, identErr.Error())
			return err
		}
		shared := sharedScopeFrom(c)
		metrics.SetScope(scopeKind(id, shared))

		fetchStart := time.Now()
		tasks, fetchErr := mergedSnapshot(c.Request().Context(), store, id, shared)
		metrics.ObserveFetch(time.Since(fetchStart))
		if fetchErr != nil {
			metrics.SetErrorStage("storage")
			c.Logger().Error(fetchErr)
			err = c.String(http.StatusInternalServerError, fetchErr.Error())
			return err
		}
		metrics.SetTasksReturned(len(tasks))

		encodeStart := time.Now()
		err = c.JSON(http.StatusOK, tasksResponse{Tasks: tasks})
		metrics.ObserveEncode(time.Since(encodeStart))
		if err != nil {
			metrics.SetErrorStage("encode_response")
		}
		return err
	}
}

func createTask(store Storage, auth Authenticator, deduper Deduper) echo.HandlerFunc {
	return func(c echo.Context) error {
		id, err := resolveIdentity(c, auth)
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}

		var req createTaskRequest
		if err := decodeBody(c, &req); err != nil {
			return c.String(http.StatusBadRequest, "invalid body")
		}
		req.Title = strings.TrimSpace(req.Title)
		if req.Title == "" {
			return c.String(http.StatusBadRequest, "title is required")
		}
		if req.Status == "" {
			req.Status = domain.StatusTodo
		}
		if !req.Status.Valid() || req.Status == domain.StatusDone {
			return c.String(http.StatusBadRequest, "invalid status")
		}

		ctx := c.Request().Context()
		key := strings.TrimSpace(c.Request().Header.Get(headerIdempotencyKey))
		if key != "" {
			fresh, err := deduper.Add(ctx, id.OwnerKey(), key)
			if err != nil {
				c.Logger().Error(err)
				return c.String(http.StatusInternalServerError, "idempotency check failed")
			}
			if !fresh {
				return c.NoContent(http.StatusConflict)
			}
		}

		rollback := func() {
			if key != "" {
				if err := deduper.Remove(ctx, id.OwnerKey(), key); err != nil {
					c.Logger().Error(err)
				}
			}
		}

		existing, err := store.FetchOwned(ctx, id.OwnerKey())
		if err != nil {
			rollback()
			c.Logger().Error(err)
			return c.String(http.StatusInternalServerError, "failed to create task")
		}

		t := domain.Task{
			ID:           uuid.NewString(),
			Title:        req.Title,
			Status:       req.Status,
			Order:        len(existing),
			DeadlineMs:   req.DeadlineMs,
			RemindAtMs:   req.RemindAtMs,
			AssigneeName: req.AssigneeName,
			BatchID:      req.BatchID,
			CreatedBy:    id.Nickname,
			UserID:       id.UserID,
			SyncID:       id.SyncID,
		}
		if err := store.InsertTask(ctx, t); err != nil {
			rollback()
			c.Logger().Error(err)
			return c.String(http.StatusInternalServerError, "failed to create task")
		}
		return c.JSON(http.StatusCreated, t)
	}
}

// updateAnyScope applies the update in the caller's own partition first.
// Tasks reached through assignment or a shared link are stored under another
// owner, so a miss falls back to locating the row by id and retrying there.
func updateAnyScope(ctx context.Context, store Storage, ownerKey, id string, upd domain.TaskUpdate) (domain.Task, error) {
	task, err := store.UpdateTask(ctx, ownerKey, id, upd)
	if !errors.Is(err, storage.ErrNotFound) {
		return task, err
	}
	target, err := store.FindTask(ctx, id)
	if err != nil {
		return domain.Task{}, err
	}
	return store.UpdateTask(ctx, target.OwnerKey(), id, upd)
}

func deleteAnyScope(ctx context.Context, store Storage, ownerKey, id string) error {
	err := store.DeleteTask(ctx, ownerKey, id)
	if !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	target, err := store.FindTask(ctx, id)
	if err != nil {
		return err
	}
	return store.DeleteTask(ctx, target.OwnerKey(), id)
}

func updateTask(store Storage, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		id, err := resolveIdentity(c, auth)
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}

		var upd domain.TaskUpdate
		if err := decodeBody(c, &upd); err != nil {
			return c.String(http.StatusBadRequest, "invalid body")
		}
		if upd.Status != nil && !upd.Status.Valid() {
			return c.String(http.StatusBadRequest, "invalid status")
		}
		upd.Normalize(id.Nickname, time.Now().UnixMilli())

		task, err := updateAnyScope(c.Request().Context(), store, id.OwnerKey(), c.Param("id"), upd)
		if errors.Is(err, storage.ErrNotFound) {
			return c.NoContent(http.StatusNotFound)
		}
		if err != nil {
			c.Logger().Error(err)
			return c.String(http.StatusInternalServerError, "failed to update task")
		}
		return c.JSON(http.StatusOK, task)
	}
}

func deleteTask(store Storage, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		id, err := resolveIdentity(c, auth)
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}

		err = deleteAnyScope(c.Request().Context(), store, id.OwnerKey(), c.Param("id"))
		if errors.Is(err, storage.ErrNotFound) {
			return c.NoContent(http.StatusNotFound)
		}
		if err != nil {
			c.Logger().Error(err)
			return c.String(http.StatusInternalServerError, "failed to delete task")
		}
		return c.NoContent(http.StatusNoContent)
	}
}

func reorderTasks(store Storage, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		id, err := resolveIdentity(c, auth)
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}

		var req reorderRequest
		if err := decodeBody(c, &req); err != nil {
			return c.String(http.StatusBadRequest, "invalid body")
		}
		if req.ID == "" {
			return c.String(http.StatusBadRequest, "id is required")
		}
		if req.Position < 0 {
			return c.String(http.StatusBadRequest, "invalid position")
		}

		tasks, err := store.ReorderTasks(c.Request().Context(), id.OwnerKey(), req.ID, req.Position)
		if errors.Is(err, storage.ErrNotFound) {
			return c.NoContent(http.StatusNotFound)
		}
		if err != nil {
			c.Logger().Error(err)
			return c.String(http.StatusInternalServerError, "failed to reorder tasks")
		}
		return c.JSON(http.StatusOK, tasksResponse{Tasks: tasks})
	}
}

func deleteCompleted(store Storage, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		id, err := resolveIdentity(c, auth)
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}

		deleted, err := store.DeleteCompleted(c.Request().Context(), id.OwnerKey())
		if err != nil {
			c.Logger().Error(err)
			return c.String(http.StatusInternalServerError, "failed to clear completed tasks")
		}
		return c.JSON(http.StatusOK, deleteCompletedResponse{Deleted: deleted})
	}
}

func putPushToken(store Storage, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		id, err := resolveIdentity(c, auth)
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}

		var req pushTokenRequest
		if err := decodeBody(c, &req); err != nil {
			return c.String(http.StatusBadRequest, "invalid body")
		}
		req.Token = strings.TrimSpace(req.Token)
		if req.Token == "" {
			return c.String(http.StatusBadRequest, "token is required")
		}

		tok := domain.DeviceToken{
			Token:         req.Token,
			OwnerNickname: id.Nickname,
			UpdatedAtMs:   time.Now().UnixMilli(),
		}
		if err := store.UpsertDeviceToken(c.Request().Context(), tok); err != nil {
			c.Logger().Error(err)
			return c.String(http.StatusInternalServerError, "failed to register token")
		}
		return c.NoContent(http.StatusNoContent)
	}
}

func deletePushToken(store Storage, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		if _, err := resolveIdentity(c, auth); err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}

		token := strings.TrimSpace(c.QueryParam("token"))
		if token == "" {
			return c.String(http.StatusBadRequest, "token is required")
		}
		if err := store.DeleteDeviceToken(c.Request().Context(), token); err != nil {
			c.Logger().Error(err)
			return c.String(http.StatusInternalServerError, "failed to remove token")
		}
		return c.NoContent(http.StatusNoContent)
	}
}
