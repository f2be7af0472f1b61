// Package postgres is the reference AccountStore on PostgreSQL via pgx.
// See schema.sql for the expected tables. Hosts with their own user model
// can ignore this package and implement authcore.AccountStore directly.
package postgres
