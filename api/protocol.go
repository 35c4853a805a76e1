package api

import (
	"io"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"

	"tasknest/domain"
)

const requestBodyMaxSize = 64 * 1024 // 64 KiB

type tasksResponse struct {
	Tasks []domain.Task `json:"tasks"`
}

type createTaskRequest struct {
	Title        string        `json:"title"`
	Status       domain.Status `json:"status,omitempty"`
	DeadlineMs   int64         `json:"deadlineMs,omitempty"`
	RemindAtMs   int64         `json:"remindAtMs,omitempty"`
	AssigneeName string        `json:"assigneeName,omitempty"`
	BatchID      string        `json:"batchId,omitempty"`
}

type reorderRequest struct {
	ID       string `json:"id"`
	Position int    `json:"position"`
}

type deleteCompletedResponse struct {
	Deleted int `json:"deleted"`
}

type pushTokenRequest struct {
	Token string `json:"token"`
}

func decodeBody(c echo.Context, v any) error {
	lr := io.LimitReader(c.Request().Body, requestBodyMaxSize)
	dec := sonic.ConfigStd.NewDecoder(lr)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
