package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"tasknest/domain"
	"tasknest/view"
)

const streamHeartbeat = 15 * time.Second

// streamTasks serves the live task stream over SSE. Each connection gets its
// own multiplexer and merge view; every change folds into the view and the
// resulting snapshot is written as one `snapshot` event, so clients render
// state instead of replaying deltas.
func streamTasks(store Storage, auth Authenticator, opener StreamOpener, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		id, err := resolveIdentity(c, auth)
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		shared := sharedScopeFrom(c)
		ctx := c.Request().Context()

		mux := opener()
		defer mux.Close()
		mux.Bind(ctx, id, shared)

		v := view.NewMergeView()
		for source, fetch := range snapshotSources(store, id, shared) {
			tasks, fetchErr := fetch(ctx)
			if fetchErr != nil {
				logger.WithError(fetchErr).WithField("source", source).Error("seed live view")
				continue
			}
			for _, t := range tasks {
				v.Apply(source, domain.ChangeRecord{Type: domain.ChangeAdded, Task: t})
			}
		}

		res := c.Response()
		res.Header().Set(echo.HeaderContentType, "text/event-stream")
		res.Header().Set("Cache-Control", "no-cache")
		res.Header().Set("Connection", "keep-alive")
		res.WriteHeader(http.StatusOK)

		if err := writeSnapshot(res, v); err != nil {
			return nil
		}

		heartbeat := time.NewTicker(streamHeartbeat)
		defer heartbeat.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-heartbeat.C:
				if _, err := fmt.Fprint(res, ": ping\n\n"); err != nil {
					return nil
				}
				res.Flush()
			case sc, ok := <-mux.Changes():
				if !ok {
					return nil
				}
				if sc.Err != nil {
					logger.WithError(sc.Err).WithField("source", sc.SourceID).Warn("live query source down")
					v.DropSource(sc.SourceID)
				} else {
					v.Apply(sc.SourceID, sc.Change)
				}
				if err := writeSnapshot(res, v); err != nil {
					return nil
				}
			}
		}
	}
}

func writeSnapshot(res *echo.Response, v *view.MergeView) error {
	payload, err := sonic.Marshal(tasksResponse{Tasks: v.Snapshot()})
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(res, "event: snapshot\ndata: %s\n\n", payload); err != nil {
		return err
	}
	res.Flush()
	return nil
}
