// Package context carries the running job's state through handler contexts.
package context
