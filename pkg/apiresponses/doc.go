// Package apiresponses provides the JSON error and success responses of the
// admin API, so handlers report failures in one shape.
package apiresponses
