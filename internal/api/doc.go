// Package api exposes external interfaces for submitting payments, driving
// batch execution, and verifying settlement transactions. It hosts the REST
// server consumed by agents and merchant-side systems.
package api
