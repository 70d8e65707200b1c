package output

import (
	"net/http"
	"strconv"

	"github.com/caesium-cloud/pigment/api/rest/controller/apierr"
	"github.com/caesium-cloud/pigment/internal/gateway"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

type Controller struct {
	gw *gateway.Gateway
}

func New(gw *gateway.Gateway) *Controller {
	return &Controller{gw: gw}
}

func (ctrl *Controller) Delete(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.ErrBadRequest.SetInternal(err)
	}

	deleteFile := false
	if raw := c.QueryParam("delete_file"); raw != "" {
		if deleteFile, err = strconv.ParseBool(raw); err != nil {
			return echo.ErrBadRequest.SetInternal(err)
		}
	}

	res, err := ctrl.gw.OutputDelete(c.Request().Context(), id, deleteFile)
	if err != nil {
		return apierr.From(err)
	}

	return c.JSON(http.StatusOK, res)
}
