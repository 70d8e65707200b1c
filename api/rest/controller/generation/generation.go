package generation

import (
	"net/http"
	"strconv"

	"github.com/caesium-cloud/pigment/api/rest/controller/apierr"
	"github.com/caesium-cloud/pigment/internal/gateway"
	"github.com/caesium-cloud/pigment/internal/models"
	"github.com/caesium-cloud/pigment/internal/store"
	"github.com/caesium-cloud/pigment/pkg/log"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

type Controller struct {
	gw *gateway.Gateway
}

func New(gw *gateway.Gateway) *Controller {
	return &Controller{gw: gw}
}

func (ctrl *Controller) Post(c echo.Context) error {
	req := &gateway.SubmitRequest{}
	if err := c.Bind(req); err != nil {
		return err
	}

	g, err := ctrl.gw.Submit(c.Request().Context(), req)
	if err != nil {
		log.Warn("generation rejected", "provider", req.ProviderID, "error", err)
		return apierr.From(err)
	}

	return c.JSON(http.StatusCreated, g)
}

func (ctrl *Controller) List(c echo.Context) error {
	req, err := parseListRequest(c)
	if err != nil {
		return echo.ErrBadRequest.SetInternal(err)
	}

	gens, err := ctrl.gw.HistoryList(c.Request().Context(), *req)
	if err != nil {
		return apierr.From(err)
	}

	if gens == nil {
		gens = models.Generations{}
	}

	return c.JSON(http.StatusOK, gens)
}

func parseListRequest(c echo.Context) (req *store.ListRequest, err error) {
	req = &store.ListRequest{
		Status: c.QueryParam("status"),
	}

	if limit := c.QueryParam("limit"); limit != "" {
		if req.Limit, err = strconv.Atoi(limit); err != nil || req.Limit < 0 {
			return nil, echo.NewHTTPError(http.StatusBadRequest, "invalid limit")
		}
	}

	if offset := c.QueryParam("offset"); offset != "" {
		if req.Offset, err = strconv.Atoi(offset); err != nil || req.Offset < 0 {
			return nil, echo.NewHTTPError(http.StatusBadRequest, "invalid offset")
		}
	}

	return req, nil
}

func (ctrl *Controller) Get(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.ErrBadRequest.SetInternal(err)
	}

	g, err := ctrl.gw.HistoryGet(c.Request().Context(), id)
	if err != nil {
		return apierr.From(err)
	}

	return c.JSON(http.StatusOK, g)
}

func (ctrl *Controller) Cancel(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.ErrBadRequest.SetInternal(err)
	}

	res, err := ctrl.gw.Cancel(c.Request().Context(), id)
	if err != nil {
		return apierr.From(err)
	}

	return c.JSON(http.StatusOK, res)
}

func (ctrl *Controller) Delete(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.ErrBadRequest.SetInternal(err)
	}

	deleteFiles, err := boolParam(c, "delete_files")
	if err != nil {
		return echo.ErrBadRequest.SetInternal(err)
	}

	res, err := ctrl.gw.HistoryDelete(c.Request().Context(), id, deleteFiles)
	if err != nil {
		return apierr.From(err)
	}

	return c.JSON(http.StatusOK, res)
}

func boolParam(c echo.Context, name string) (bool, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return false, nil
	}
	return strconv.ParseBool(raw)
}
