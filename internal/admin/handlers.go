package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/ChuLiYu/fleet-rpc/internal/appnet"
	"github.com/ChuLiYu/fleet-rpc/internal/codec"
	"github.com/ChuLiYu/fleet-rpc/internal/future"
	"github.com/ChuLiYu/fleet-rpc/pkg/types"
	"github.com/labstack/echo/v4"
)

type workerView struct {
	Address      string    `json:"address"`
	Host         string    `json:"host,omitempty"`
	Managed      bool      `json:"managed"`
	RegisteredAt time.Time `json:"registered_at"`
}

type descriptorView struct {
	Key        string                 `json:"key"`
	Host       string                 `json:"host"`
	Manager    string                 `json:"manager"`
	State      types.ApplicationState `json:"state"`
	Reference  string                 `json:"reference,omitempty"`
	AutoDeploy bool                   `json:"auto_deploy"`
	AutoKill   bool                   `json:"auto_kill"`
	AutoDrop   bool                   `json:"auto_drop"`
}

type submitRequest struct {
	Address string          `json:"address"`
	Kind    string          `json:"kind"`
	Args    json.RawMessage `json:"args,omitempty"`
}

type jobView struct {
	JobID   types.JobID     `json:"job_id"`
	Address string          `json:"address"`
	Done    bool            `json:"done"`
	State   string          `json:"state,omitempty"`
	Value   any             `json:"value,omitempty"`
	Error   *types.JobError `json:"error,omitempty"`
}

func (s *Server) listWorkers(c echo.Context) error {
	handles := s.fleet.Workers()
	out := make([]workerView, 0, len(handles))
	for _, h := range handles {
		v := workerView{Address: h.Address, Managed: h.Managed(), RegisteredAt: h.RegisteredAt}
		if h.Host != nil {
			v.Host = h.Host.Address()
		}
		out = append(out, v)
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) killWorker(c echo.Context) error {
	address, err := url.PathUnescape(c.Param("address"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid address")
	}
	if err := s.fleet.KillWorker(c.Request().Context(), address); err != nil {
		return httpError(err)
	}
	s.logger.Info("Worker killed through admin API", "worker", address)
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) listNetwork(c echo.Context) error {
	var ds []*appnet.Descriptor
	if s.network != nil {
		ds = s.network.Descriptors()
	}
	out := make([]descriptorView, 0, len(ds))
	for _, d := range ds {
		p := d.Policy()
		out = append(out, descriptorView{
			Key:        d.Key(),
			Host:       d.Host().Address(),
			Manager:    d.Manager().Name(),
			State:      d.State(),
			Reference:  d.Reference(),
			AutoDeploy: p.AutoDeploy,
			AutoKill:   p.AutoKill,
			AutoDrop:   p.AutoDrop,
		})
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) submitJob(c echo.Context) error {
	var req submitRequest
	if err := json.NewDecoder(c.Request().Body).Decode(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "could not parse request: "+err.Error())
	}
	if req.Address == "" || req.Kind == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "address and kind are required")
	}

	env, err := s.registry.FromJSON(req.Kind, req.Args)
	if err != nil {
		if errors.Is(err, types.ErrUnknownJobKind) {
			return httpError(err)
		}
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	f, err := s.fleet.SubmitEnvelope(c.Request().Context(), req.Address, env)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusAccepted, f.Reference())
}

func (s *Server) getJob(c echo.Context) error {
	address, err := url.PathUnescape(c.Param("address"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid address")
	}
	id, err := types.ParseJobID(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	var wait time.Duration
	if w := c.QueryParam("wait"); w != "" {
		if wait, err = time.ParseDuration(w); err != nil || wait < 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid wait duration")
		}
		wait = min(wait, s.maxWait)
	}
	if _, err := s.fleet.Worker(address); err != nil {
		return httpError(err)
	}

	remote := future.Reference{JobID: id, Address: address}.Resolve(s.fleet.Conns())
	ctx := c.Request().Context()
	view := jobView{JobID: id, Address: address, State: string(types.StatePending)}

	if wait > 0 {
		wctx, cancel := context.WithTimeout(ctx, wait)
		defer cancel()
		res, err := remote.Result(wctx)
		switch {
		case errors.Is(err, types.ErrTimeout):
			return c.JSON(http.StatusOK, view)
		case err != nil:
			return httpError(err)
		}
		return c.JSON(http.StatusOK, completed(view, res))
	}

	done, err := remote.IsDone(ctx)
	if err != nil {
		return httpError(err)
	}
	if !done {
		return c.JSON(http.StatusOK, view)
	}
	res, err := remote.Result(ctx)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, completed(view, res))
}

func completed(v jobView, res types.Result) jobView {
	v.Done = true
	v.State = string(res.State())
	if res.Err != nil {
		v.Error = res.Err
		return v
	}
	if len(res.Value) > 0 {
		var decoded any
		if err := codec.Unmarshal(res.Value, &decoded); err == nil {
			v.Value = decoded
		} else {
			v.Value = res.Value
		}
	}
	return v
}

// httpError maps the error taxonomy onto status codes.
func httpError(err error) error {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, types.ErrWorkerNotFound), errors.Is(err, types.ErrJobNotFound):
		code = http.StatusNotFound
	case errors.Is(err, types.ErrUnknownJobKind):
		code = http.StatusBadRequest
	case errors.Is(err, types.ErrQueueFull):
		code = http.StatusTooManyRequests
	case errors.Is(err, types.ErrWorkerStopped):
		code = http.StatusServiceUnavailable
	case errors.Is(err, types.ErrTimeout):
		code = http.StatusGatewayTimeout
	case errors.Is(err, types.ErrRPC):
		code = http.StatusBadGateway
	}
	return echo.NewHTTPError(code, err.Error())
}
