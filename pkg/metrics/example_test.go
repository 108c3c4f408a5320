package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

// Example_basicUsage demonstrates basic metrics configuration.
func Example_basicUsage() {
	registry := NewRegistry(prometheus.NewRegistry())

	registry.RateLimitRequests.WithLabelValues("token_bucket", "api").Add(10)
	registry.RateLimitAllowed.WithLabelValues("token_bucket", "api").Add(8)
	registry.RateLimitDenied.WithLabelValues("token_bucket", "api").Add(2)

	fmt.Println(testutil.ToFloat64(registry.RateLimitAllowed.WithLabelValues("token_bucket", "api")))

	// Output:
	// 8
}

// Example_configuration demonstrates different metrics configurations.
func Example_configuration() {
	defaultConfig := DefaultConfig()
	fmt.Printf("Default enabled: %v\n", defaultConfig.Enabled)
	fmt.Printf("Default namespace: %s\n", defaultConfig.Namespace)

	customConfig := Config{
		Enabled:   false,
		Namespace: "myapp",
	}
	fmt.Printf("Custom enabled: %v\n", customConfig.Enabled)
	fmt.Printf("Custom namespace: %s\n", customConfig.Namespace)

	// Output:
	// Default enabled: true
	// Default namespace: tokenflow
	// Custom enabled: false
	// Custom namespace: myapp
}
