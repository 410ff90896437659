/*
Package types defines the core data structures shared by the fkchat services.

This package contains the domain model used by the gateway, status and chat
processes: persisted user records, chat-server descriptors held in the Status
registry, and the request/verify enums of the gateway surface.

Types here carry no behaviour beyond small accessors; orchestration logic
lives in the packages that own it (gateway, token, chat).
*/
package types
