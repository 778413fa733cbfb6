package v1

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/hrygo/convrelay/internal/modelconfig"
)

type saveConfigRequest struct {
	Model  string `json:"model"`
	APIURL string `json:"api_url"`
	APIKey string `json:"api_key"`
}

// GetConfig returns the configured endpoints with keys masked.
func (s *APIV1Service) GetConfig(c echo.Context) error {
	return c.JSON(http.StatusOK, s.Configs.Current().Masked())
}

func (s *APIV1Service) SaveConfig(c echo.Context) error {
	var req saveConfigRequest
	if err := c.Bind(&req); err != nil {
		return errorJSON(c, http.StatusBadRequest, "无效的请求数据")
	}

	if err := s.Configs.Save(req.Model, req.APIURL, req.APIKey); err != nil {
		if errors.Is(err, modelconfig.ErrInvalidConfig) {
			return errorJSON(c, http.StatusBadRequest, err.Error())
		}
		slog.Error("failed to save model config", "model", req.Model, "error", err)
		return errorJSON(c, http.StatusInternalServerError, "配置保存失败")
	}
	return c.JSON(http.StatusOK, map[string]string{"message": fmt.Sprintf("%s配置保存成功", req.Model)})
}
