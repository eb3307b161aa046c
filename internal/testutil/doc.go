// Package testutil contains helper builders used across tests to reduce
// boilerplate when constructing contracts, run records and scripted model
// replies. They are not intended for production usage.
package testutil
