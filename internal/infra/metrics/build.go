package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() { register(buildInfo) }

var buildInfo = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "llm_dispatch_build_info",
		Help: "Constant 1, labeled with version, commit and process role.",
	},
	[]string{"version", "commit", "role"},
)

func SetBuildInfo(version, commit, role string) {
	buildInfo.WithLabelValues(version, commit, role).Set(1)
}
