// Package response 统一的 HTTP 响应格式 {code, msg, data}
package response

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Resp 响应体
type Resp struct {
	Code int         `json:"code"`
	Msg  string      `json:"msg"`
	Data interface{} `json:"data"`
}

// Success 成功响应
func Success(c *gin.Context, msg string, data interface{}) {
	c.JSON(http.StatusOK, Resp{Code: http.StatusOK, Msg: msg, Data: data})
}

// Fail 业务失败，HTTP 状态码仍为 200
func Fail(c *gin.Context, msg string, data interface{}) {
	c.JSON(http.StatusOK, Resp{Code: http.StatusInternalServerError, Msg: msg, Data: data})
}

// FailWithStatus 以指定 HTTP 状态码返回失败
func FailWithStatus(c *gin.Context, status int, msg string, data interface{}) {
	c.JSON(status, Resp{Code: status, Msg: msg, Data: data})
}

func AbortWithStatus(c *gin.Context, status int) {
	c.AbortWithStatus(status)
}

// AbortWithStatusJSON 中止请求并返回错误信息
func AbortWithStatusJSON(c *gin.Context, status int, err error) {
	msg := http.StatusText(status)
	if err != nil {
		msg = err.Error()
	}
	c.AbortWithStatusJSON(status, Resp{Code: status, Msg: msg})
}
