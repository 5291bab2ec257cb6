package echoapi

import (
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/trezcool/rollcall/core/notify"
)

type testSMSRequest struct {
	Phone   string `json:"phone" validate:"required,max=32"`
	Message string `json:"message" validate:"max=640"`
}

type notificationApi struct {
	dispatcher *notify.Dispatcher
	validate   *validator.Validate
}

func registerNotificationAPI(g *echo.Group, jwt echo.MiddlewareFunc, deps ServerDeps) {
	api := notificationApi{
		dispatcher: deps.Dispatcher,
		validate:   deps.Validate,
	}

	ag := g.Group("/admin/notifications", jwt, adminMiddleware())
	ag.POST("/sweep", api.sweep)
	ag.POST("/test-sms", api.testSMS)
	ag.GET("/deliveries", api.deliveries)
}

// Handlers

func (api *notificationApi) sweep(ctx echo.Context) error {
	res, err := api.dispatcher.Sweep(ctx.Request().Context())
	if err != nil {
		return errors.Wrap(err, "running dispatch sweep")
	}
	return ctx.JSON(http.StatusOK, res)
}

func (api *notificationApi) testSMS(ctx echo.Context) error {
	var data testSMSRequest
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to testSMSRequest")
	}
	if err := api.validate.Struct(data); err != nil {
		return err
	}

	res, err := api.dispatcher.SendTest(ctx.Request().Context(), data.Phone, data.Message)
	if err != nil {
		return errors.Wrap(err, "sending test sms")
	}
	return ctx.JSON(http.StatusOK, res)
}

func (api *notificationApi) deliveries(ctx echo.Context) error {
	claims, err := getContextClaims(ctx)
	if err != nil {
		return err
	}

	ds, err := api.dispatcher.Deliveries(ctx.Request().Context(), notify.DeliveryFilter{
		SchoolID: claims.SchoolID,
		DateKey:  strings.TrimSpace(ctx.QueryParam("date")),
		Status:   notify.DeliveryStatus(strings.TrimSpace(ctx.QueryParam("status"))),
	})
	if err != nil {
		return errors.Wrap(err, "querying deliveries")
	}
	return ctx.JSON(http.StatusOK, ds)
}
