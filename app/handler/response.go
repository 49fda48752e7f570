package handler

import (
	"errors"
	"net/http"

	"mediaflow/app/apperr"
	"mediaflow/app/database"

	"github.com/gin-gonic/gin"
)

// ApiResponse 统一的 API 响应结构
type ApiResponse struct {
	Code    int    `json:"code"`    // 状态码，0表示成功
	Message string `json:"message"` // 响应消息
	Data    any    `json:"data"`    // 响应数据
}

// ResponseHelper 响应辅助结构体
type ResponseHelper struct{}

// NewResponseHelper 创建响应辅助实例
func NewResponseHelper() *ResponseHelper {
	return &ResponseHelper{}
}

// Success 创建成功响应
func (r *ResponseHelper) Success(data any, message string) ApiResponse {
	return ApiResponse{
		Code:    0,
		Message: message,
		Data:    data,
	}
}

// Error 创建错误响应
func (r *ResponseHelper) Error(errorCode int, message string) ApiResponse {
	return ApiResponse{
		Code:    errorCode,
		Message: message,
		Data:    nil,
	}
}

// StatusFor 错误类型对应的 HTTP 状态码
func StatusFor(err error) int {
	switch {
	case errors.Is(err, database.ErrNotFound):
		return http.StatusNotFound
	case apperr.Is(err, apperr.KindValidation):
		return http.StatusBadRequest
	case apperr.Is(err, apperr.KindConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (r *ResponseHelper) ok(c *gin.Context, data any, message string) {
	c.JSON(http.StatusOK, r.Success(data, message))
}

func (r *ResponseHelper) fail(c *gin.Context, status int, message string) {
	c.JSON(status, r.Error(status, message))
}

// failErr 按错误类型返回
func (r *ResponseHelper) failErr(c *gin.Context, err error) {
	r.fail(c, StatusFor(err), err.Error())
}
