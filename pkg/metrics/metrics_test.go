package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"

	"github.com/onsi/ginkgo"
	"github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"k8s.io/klog/v2"
)

var _ = ginkgo.Describe("Metrics", func() {
	ginkgo.It("registers the client metrics once", func() {
		RegisterClientMetrics()
		RegisterClientMetrics()
		MetricTransactions.WithLabelValues("Open_vSwitch", TransactionResultSuccess).Inc()
		gomega.Expect(testutil.ToFloat64(
			MetricTransactions.WithLabelValues("Open_vSwitch", TransactionResultSuccess))).To(gomega.BeNumerically(">=", 1))
	})

	ginkgo.It("serves the registry on /metrics", func() {
		RegisterClientMetrics()
		MetricLocksHeld.Set(2)
		req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
		rec := httptest.NewRecorder()
		NewRouter(false).ServeHTTP(rec, req)
		gomega.Expect(rec.Code).To(gomega.Equal(http.StatusOK))
		gomega.Expect(rec.Body.String()).To(gomega.ContainSubstring("ovsdb_client_locks_held 2"))
	})

	ginkgo.It("only routes pprof and the klog setter when enabled", func() {
		req := httptest.NewRequest(http.MethodPut, "/debug/flags/v", strings.NewReader("4"))
		rec := httptest.NewRecorder()
		NewRouter(false).ServeHTTP(rec, req)
		gomega.Expect(rec.Code).To(gomega.Equal(http.StatusNotFound))

		var level klog.Level
		gomega.Expect(level.Set("0")).To(gomega.Succeed())
		rec = httptest.NewRecorder()
		NewRouter(true).ServeHTTP(rec, httptest.NewRequest(http.MethodPut, "/debug/flags/v", strings.NewReader("4")))
		gomega.Expect(rec.Code).To(gomega.Equal(http.StatusOK))
		gomega.Expect(rec.Body.String()).To(gomega.ContainSubstring("successfully set klog.logging.verbosity to 4"))

		rec = httptest.NewRecorder()
		NewRouter(true).ServeHTTP(rec, httptest.NewRequest(http.MethodPut, "/debug/flags/v", strings.NewReader("x")))
		gomega.Expect(rec.Code).To(gomega.Equal(http.StatusBadRequest))
		gomega.Expect(level.Set("0")).To(gomega.Succeed())
	})
})
