package main

import (
	"fmt"
)

// emissionRates maps instance types to kg CO2e emitted per hour of
// runtime. Unknown types fall back to defaultRate.
var emissionRates = map[string]float64{
	"t3.medium": 0.05,
	"gpu.large": 1.2,
}

const defaultRate = 0.1

// carbonFootprint estimates emissions for running an instance type for
// the given number of hours.
func carbonFootprint(instanceType string, hours int) string {
	rate, ok := emissionRates[instanceType]
	if !ok {
		rate = defaultRate
	}
	return fmt.Sprintf("%.2f kg", rate*float64(hours))
}

// deployInstance simulates provisioning. The fixed acknowledgement is
// the contract with the backend; it rewrites it into user-facing text.
func deployInstance(instanceType string) string {
	return "DEPLOYMENT_INITIATED"
}

// intArg extracts an integer argument that may arrive as a JSON number
// (float64) or an int.
func intArg(args map[string]any, key string) int {
	switch v := args[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

func stringArg(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}
