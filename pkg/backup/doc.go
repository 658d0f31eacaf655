/*
Package backup owns durable-data hygiene: encrypted snapshots with
generational rotation, restore with safety copies, and time-based
retention of journal and execution-log rows.

A backup run snapshots each database through the store's consistent
Snapshot, seals it with AES-256-GCM and writes

	backups/backup-<timestamp>/<db>.backup.enc

Rotation then keeps the newest daily backups plus one backup per distinct
week and per distinct month, bounded by the configured counts. Restore is
the inverse path: decrypt, write a .pre-restore safety copy of each live
file, then replace it atomically.
*/
package backup
