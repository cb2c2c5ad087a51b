// Package models contains GORM persistence models. They are kept apart from
// the domain types, and each model converts with ToDomain/FromDomain.
package models
