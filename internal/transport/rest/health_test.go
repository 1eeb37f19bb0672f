package rest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"

	"github.com/onsi/ginkgo/v2"
	"github.com/onsi/gomega"
)

var _ = ginkgo.Describe("HealthHandler", func() {
	check := func(h *HealthHandler) (int, HealthResponse) {
		rec := httptest.NewRecorder()
		h.healthCheckHandler(rec, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))
		var resp HealthResponse
		gomega.Expect(json.Unmarshal(rec.Body.Bytes(), &resp)).To(gomega.Succeed())
		return rec.Code, resp
	}

	ginkgo.It("should be healthy when every check passes", func() {
		code, resp := check(NewHealthHandler(nil, HealthCheck{Name: "redis", Ping: func(context.Context) error { return nil }}))

		gomega.Expect(code).To(gomega.Equal(http.StatusOK))
		gomega.Expect(resp.Components).To(gomega.HaveKey("redis"))
	})

	ginkgo.It("should answer 503 when a check fails", func() {
		code, resp := check(NewHealthHandler(nil,
			HealthCheck{Name: "redis", Ping: func(context.Context) error { return errors.New("connection refused") }},
		))

		gomega.Expect(code).To(gomega.Equal(http.StatusServiceUnavailable))
		gomega.Expect(resp.Status).To(gomega.Equal(HealthUnhealthy))
		gomega.Expect(resp.Components["redis"].Message).To(gomega.Equal("connection refused"))
	})
})
