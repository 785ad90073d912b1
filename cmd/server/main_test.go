package main

import (
	"encoding/json"
	"errors"
	"io"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAsynqLogLevel(t *testing.T) {
	assert.Equal(t, asynq.DebugLevel, asynqLogLevel("DEBUG"))
	assert.Equal(t, asynq.WarnLevel, asynqLogLevel("warn"))
	assert.Equal(t, asynq.ErrorLevel, asynqLogLevel("error"))
	assert.Equal(t, asynq.InfoLevel, asynqLogLevel(""))
	assert.Equal(t, asynq.InfoLevel, asynqLogLevel("trace"))
}

func TestCustomErrorHandler(t *testing.T) {
	app := fiber.New(fiber.Config{ErrorHandler: customErrorHandler})
	app.Get("/teapot", func(c *fiber.Ctx) error { return fiber.NewError(fiber.StatusTeapot, "short and stout") })
	app.Get("/boom", func(c *fiber.Ctx) error { return errors.New("db exploded") })

	for path, want := range map[string]struct {
		status  int
		message string
	}{
		"/teapot": {fiber.StatusTeapot, "short and stout"},
		"/boom":   {fiber.StatusInternalServerError, "Internal Server Error"},
	} {
		resp, err := app.Test(httptest.NewRequest("GET", path, nil), -1)
		require.NoError(t, err)
		raw, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		resp.Body.Close()

		var body struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		require.NoError(t, json.Unmarshal(raw, &body), string(raw))
		assert.Equal(t, want.status, resp.StatusCode, path)
		assert.Equal(t, "SERVICE_ERROR", body.Error.Code)
		assert.Equal(t, want.message, body.Error.Message)
	}
}
