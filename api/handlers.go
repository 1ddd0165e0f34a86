package api

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"tasks-api/domain"
	"tasks-api/storage"
)

const requestBodyMaxSize = 64 * 1024 // 64 KiB

const idempotencyKeyHeader = "Idempotency-Key"

// Register wires up all API routes on the provided Echo instance. dedupe
// may be nil, in which case the Idempotency-Key header is ignored.
func Register(e *echo.Echo, svc TaskService, events Subscriber, auth Authenticator, dedupe Deduper, logger *log.Logger) {
	e.GET("/api/tasks", getTasks(svc, auth, logger))
	e.POST("/api/tasks", postTask(svc, auth, dedupe))
	e.PUT("/api/tasks/:id", putTask(svc, auth))
	e.DELETE("/api/tasks/:id", deleteTask(svc, auth))
	e.GET("/api/tasks/stream", streamEvents(events, auth))
	e.GET("/healthz", healthz())
}

// tasksResponse mirrors the wire shape served to clients: the payload plus
// the tier that produced it.
type tasksResponse struct {
	Source storage.Source `json:"source"`
	Data   []domain.Task  `json:"data"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type successResponse struct {
	Success bool `json:"success"`
}

func healthz() echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	}
}

func getTasks(svc TaskService, auth Authenticator, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		ctx := c.Request().Context()
		metrics, spanCtx := newListRequestMetrics(ctx, logger)
		if spanCtx != nil {
			c.SetRequest(c.Request().WithContext(spanCtx))
			ctx = spanCtx
		}
		defer func() {
			metrics.Log(c.Response().Status, err)
		}()

		authStart := time.Now()
		_, authErr := auth.UserIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
		metrics.ObserveAuth(time.Since(authStart))
		if authErr != nil {
			metrics.SetErrorStage("auth")
			err = c.JSON(http.StatusUnauthorized, errorResponse{Error: authErr.Error()})
			return err
		}

		fetchStart := time.Now()
		tasks, source, listErr := svc.ListTasks(ctx)
		metrics.ObserveFetch(time.Since(fetchStart))
		if listErr != nil {
			metrics.SetErrorStage("list")
			c.Logger().Error(listErr)
			err = c.JSON(http.StatusInternalServerError, errorResponse{Error: listErr.Error()})
			return err
		}
		metrics.SetSource(string(source))
		metrics.SetTasksReturned(len(tasks))

		encodeStart := time.Now()
		err = c.JSON(http.StatusOK, tasksResponse{Source: source, Data: tasks})
		metrics.ObserveEncode(time.Since(encodeStart))
		if err != nil {
			metrics.SetErrorStage("encode_response")
		}
		return err
	}
}

func postTask(svc TaskService, auth Authenticator, dedupe Deduper) echo.HandlerFunc {
	return func(c echo.Context) error {
		userID, err := auth.UserIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
		if err != nil {
			return c.JSON(http.StatusUnauthorized, errorResponse{Error: err.Error()})
		}

		var body struct {
			Text string `json:"text"`
		}
		if err := decodeBody(c.Request().Body, &body); err != nil {
			return c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid body"})
		}

		ctx := c.Request().Context()
		idemKey := c.Request().Header.Get(idempotencyKeyHeader)
		if dedupe != nil && idemKey != "" {
			added, err := dedupe.Add(ctx, userID, idemKey)
			if err != nil {
				c.Logger().Error(err)
				return c.JSON(http.StatusInternalServerError, errorResponse{Error: err.Error()})
			}
			if !added {
				return c.JSON(http.StatusConflict, errorResponse{Error: "duplicate request"})
			}
		}

		task, err := svc.AddTask(ctx, body.Text, userID)
		if err != nil {
			if dedupe != nil && idemKey != "" {
				// release the key so the client may retry
				if rmErr := dedupe.Remove(ctx, userID, idemKey); rmErr != nil {
					c.Logger().Error(rmErr)
				}
			}
			if errors.Is(err, domain.ErrTextRequired) {
				return c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
			}
			c.Logger().Error(err)
			return c.JSON(http.StatusInternalServerError, errorResponse{Error: err.Error()})
		}
		return c.JSON(http.StatusCreated, task)
	}
}

func putTask(svc TaskService, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		if _, err := auth.UserIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization)); err != nil {
			return c.JSON(http.StatusUnauthorized, errorResponse{Error: err.Error()})
		}

		var upd domain.TaskUpdate
		if err := decodeBody(c.Request().Body, &upd); err != nil {
			return c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid body"})
		}

		task, err := svc.UpdateTask(c.Request().Context(), c.Param("id"), upd)
		if err != nil {
			if errors.Is(err, domain.ErrTaskNotFound) {
				return c.JSON(http.StatusNotFound, errorResponse{Error: err.Error()})
			}
			c.Logger().Error(err)
			return c.JSON(http.StatusInternalServerError, errorResponse{Error: err.Error()})
		}
		return c.JSON(http.StatusOK, task)
	}
}

func deleteTask(svc TaskService, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		if _, err := auth.UserIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization)); err != nil {
			return c.JSON(http.StatusUnauthorized, errorResponse{Error: err.Error()})
		}

		if _, err := svc.DeleteTask(c.Request().Context(), c.Param("id")); err != nil {
			if errors.Is(err, domain.ErrTaskNotFound) {
				return c.JSON(http.StatusNotFound, errorResponse{Error: err.Error()})
			}
			c.Logger().Error(err)
			return c.JSON(http.StatusInternalServerError, errorResponse{Error: err.Error()})
		}
		return c.JSON(http.StatusOK, successResponse{Success: true})
	}
}

// streamEvents serves change events over SSE as the fan-out re-emits them.
func streamEvents(events Subscriber, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		authHeader := c.Request().Header.Get(echo.HeaderAuthorization)
		if token := c.QueryParam("token"); authHeader == "" && token != "" {
			authHeader = "Bearer " + token
		}
		if _, err := auth.UserIDFromAuthHeader(authHeader); err != nil {
			return c.JSON(http.StatusUnauthorized, errorResponse{Error: err.Error()})
		}

		c.Response().Header().Set(echo.HeaderContentType, "text/event-stream")
		c.Response().Header().Set(echo.HeaderCacheControl, "no-cache")
		c.Response().Header().Set(echo.HeaderConnection, "keep-alive")
		c.Response().Header().Set("X-Accel-Buffering", "no")
		flusher, ok := c.Response().Writer.(http.Flusher)
		if !ok {
			return c.JSON(http.StatusInternalServerError, errorResponse{Error: "stream unsupported"})
		}
		c.Response().WriteHeader(http.StatusOK)
		flusher.Flush()

		ctx := c.Request().Context()
		ch := events.Subscribe()
		defer events.Unsubscribe(ch)
		for {
			select {
			case <-ctx.Done():
				return nil
			case ev := <-ch:
				data, err := sonic.Marshal(ev)
				if err != nil {
					c.Logger().Error(err)
					continue
				}
				if _, err := c.Response().Write([]byte("data: ")); err != nil {
					return err
				}
				if _, err := c.Response().Write(data); err != nil {
					return err
				}
				if _, err := c.Response().Write([]byte("\n\n")); err != nil {
					return err
				}
				flusher.Flush()
			}
		}
	}
}

func decodeBody(body io.Reader, v any) error {
	dec := sonic.ConfigStd.NewDecoder(io.LimitReader(body, requestBodyMaxSize))
	return dec.Decode(v)
}
