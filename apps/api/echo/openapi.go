package echoapi

import (
	_ "embed"
	"net/http"

	"github.com/labstack/echo/v4"
)

//go:embed openapi.yaml
var openAPISchema []byte

func getOpenAPISchema(ctx echo.Context) error {
	return ctx.Blob(http.StatusOK, "application/yaml", openAPISchema)
}
