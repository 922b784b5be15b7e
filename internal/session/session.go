// Package session manages authenticated user sessions backed by Redis.
// The login flow (an external collaborator) creates a session at sign-in;
// the realtime core only validates tokens when a push stream opens and
// refreshes activity while the stream lives.
package session
