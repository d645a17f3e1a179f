// Package handler adapts typed job functions to raw JSON payloads.
package handler
