/*
Package types defines the core entities of the scheduler's data model: Task,
Worker, and Client, the task state and worker status enums, and the
Priority tuple. The messages exchanged with workers and clients are defined
in pkg/stimulus (Message, Outbound) and pkg/transport (Envelope).

These types carry no behavior of their own; all mutation happens through
pkg/store, which owns the redundant forward/reverse indices that relate them.
*/
package types
