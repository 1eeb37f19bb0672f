package notification_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"time"

	"github.com/go-chi/chi"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	errors "github.com/frahmantamala/tramite-payments/internal"
	"github.com/frahmantamala/tramite-payments/internal/core/events"
	"github.com/frahmantamala/tramite-payments/internal/notification"
	"github.com/frahmantamala/tramite-payments/internal/transport/middleware"
)

// withPrincipal stands in for the auth middleware.
func withPrincipal(p *errors.Principal) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(errors.ContextWithPrincipal(r.Context(), p)))
		})
	}
}

func notificationRouter(h *notification.Handler, p *errors.Principal) http.Handler {
	r := chi.NewRouter()
	r.Use(withPrincipal(p))
	r.Get("/notifications/unread", h.ListUnread)
	r.Get("/notifications/stream", h.Stream)
	r.Patch("/notifications/{id}/read", h.MarkRead)
	r.Post("/notifications", h.Publish)
	return r
}

var _ = Describe("Notification Handler", func() {
	var (
		service   *notification.Service
		handler   *notification.Handler
		treasurer *errors.Principal
	)

	BeforeEach(func() {
		bus := events.NewEventBus(quietLogger())
		service = notification.NewService(openRepo(), notification.NewLocalBroadcaster(bus, quietLogger()), time.Second, quietLogger())
		handler = notification.NewHandler(service, quietLogger())
		treasurer = &errors.Principal{UserID: "8", Roles: []string{"tesoreria"}}
	})

	Describe("Publish", func() {
		It("should create a role notification", func() {
			body := `{"title":"Aviso","message":"Cierre de caja","kind":"treasury.notice","destinationRoleIds":["tesoreria"]}`
			req := httptest.NewRequest(http.MethodPost, "/notifications", strings.NewReader(body))
			rec := httptest.NewRecorder()

			notificationRouter(handler, treasurer).ServeHTTP(rec, req)

			Expect(rec.Code).To(Equal(http.StatusCreated))
			unread, err := service.ListUnreadForRole(context.Background(), "tesoreria")
			Expect(err).ToNot(HaveOccurred())
			Expect(unread).To(HaveLen(1))
			Expect(*unread[0].OriginUserID).To(Equal("8"))
		})

		DescribeTable("should reject bad destinations",
			func(body string) {
				req := httptest.NewRequest(http.MethodPost, "/notifications", strings.NewReader(body))
				rec := httptest.NewRecorder()

				notificationRouter(handler, treasurer).ServeHTTP(rec, req)

				Expect(rec.Code).To(Equal(http.StatusBadRequest))
			},
			Entry("no destination", `{"title":"a","message":"b","kind":"c"}`),
			Entry("both destinations", `{"title":"a","message":"b","kind":"c","destinationUserId":"1","destinationRoleIds":["x"]}`),
			Entry("missing title", `{"message":"b","kind":"c","destinationUserId":"1"}`),
			Entry("not json", `{`),
		)
	})

	Describe("ListUnread and MarkRead", func() {
		It("should list unread for the caller and mark one read", func() {
			ctx := context.Background()
			id, err := service.Publish(ctx, forRoles("tesoreria"))
			Expect(err).ToNot(HaveOccurred())
			router := notificationRouter(handler, treasurer)

			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/notifications/unread", nil))
			Expect(rec.Code).To(Equal(http.StatusOK))
			var listed struct {
				Notifications []notification.NotificationView `json:"notifications"`
			}
			Expect(json.Unmarshal(rec.Body.Bytes(), &listed)).To(Succeed())
			Expect(listed.Notifications).To(HaveLen(1))
			Expect(listed.Notifications[0].ID).To(Equal(id))

			rec = httptest.NewRecorder()
			router.ServeHTTP(rec, httptest.NewRequest(http.MethodPatch, "/notifications/"+jsonID(id)+"/read", nil))
			Expect(rec.Code).To(Equal(http.StatusOK))

			rec = httptest.NewRecorder()
			router.ServeHTTP(rec, httptest.NewRequest(http.MethodPatch, "/notifications/"+jsonID(id)+"/read", nil))
			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(rec.Body.String()).To(ContainSubstring(`"changed":false`))
		})

		It("should forbid marking a notification addressed to someone else", func() {
			id, err := service.Publish(context.Background(), forUser("42"))
			Expect(err).ToNot(HaveOccurred())

			rec := httptest.NewRecorder()
			notificationRouter(handler, treasurer).ServeHTTP(rec, httptest.NewRequest(http.MethodPatch, "/notifications/"+jsonID(id)+"/read", nil))

			Expect(rec.Code).To(Equal(http.StatusForbidden))
		})

		It("should reject a non numeric id", func() {
			rec := httptest.NewRecorder()
			notificationRouter(handler, treasurer).ServeHTTP(rec, httptest.NewRequest(http.MethodPatch, "/notifications/abc/read", nil))

			Expect(rec.Code).To(Equal(http.StatusBadRequest))
		})
	})

	Describe("Stream", func() {
		It("should push a notification published after connecting", func() {
			server := httptest.NewServer(notificationRouter(handler, treasurer))
			defer server.Close()

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, server.URL+"/notifications/stream", nil)
			Expect(err).ToNot(HaveOccurred())

			resp, err := http.DefaultClient.Do(req)
			Expect(err).ToNot(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.Header.Get("Content-Type")).To(Equal("text/event-stream"))

			reader := bufio.NewReader(resp.Body)
			line, err := reader.ReadString('\n')
			Expect(err).ToNot(HaveOccurred())
			Expect(line).To(Equal(": connected\n"))

			id, err := service.Publish(context.Background(), forRoles("tesoreria"))
			Expect(err).ToNot(HaveOccurred())

			var event bytes.Buffer
			for {
				line, err := reader.ReadString('\n')
				Expect(err).ToNot(HaveOccurred())
				if strings.HasPrefix(line, "data: ") {
					event.WriteString(strings.TrimPrefix(strings.TrimSuffix(line, "\n"), "data: "))
					break
				}
			}

			var view notification.NotificationView
			Expect(json.Unmarshal(event.Bytes(), &view)).To(Succeed())
			Expect(view.ID).To(Equal(id))
			Expect(view.Kind).To(Equal("payment.reconciliation"))
		})

		It("should keep streaming past the server write timeout", func() {
			handler.Heartbeat = 50 * time.Millisecond
			router := chi.NewRouter()
			router.Use(middleware.LoggingMiddleware(quietLogger()))
			router.Mount("/", notificationRouter(handler, treasurer))

			server := httptest.NewUnstartedServer(router)
			server.Config.WriteTimeout = 300 * time.Millisecond
			server.Start()
			defer server.Close()

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, server.URL+"/notifications/stream", nil)
			Expect(err).ToNot(HaveOccurred())
			resp, err := http.DefaultClient.Do(req)
			Expect(err).ToNot(HaveOccurred())
			defer resp.Body.Close()

			reader := bufio.NewReader(resp.Body)
			line, err := reader.ReadString('\n')
			Expect(err).ToNot(HaveOccurred())
			Expect(line).To(Equal(": connected\n"))

			time.Sleep(600 * time.Millisecond)
			id, err := service.Publish(context.Background(), forRoles("tesoreria"))
			Expect(err).ToNot(HaveOccurred())

			for {
				line, err := reader.ReadString('\n')
				Expect(err).ToNot(HaveOccurred())
				if strings.HasPrefix(line, "id: ") {
					Expect(line).To(Equal("id: " + jsonID(id) + "\n"))
					break
				}
			}
		})
	})
})

func jsonID(id int64) string {
	b, _ := json.Marshal(id)
	return string(b)
}
