// Package mqtt subscribes to the relay status topic and hands every
// payload to a [MessageHandler].
//
// The [Subscriber] uses Eclipse Paho v2's [autopaho] package for
// connection management. On an accepted CONNACK it subscribes to the
// configured topic (unless paused) and, when an availability topic is
// configured, publishes a retained "online" birth message backed by an
// "offline" will. A refused connection is logged with its reason code
// and no subscription is made. Unless reconnect is enabled the
// connection manager is then shut down and the process stays idle.
//
// Pause and Resume drop and restore the subscription so the broker
// stops delivering status messages during an alert cooldown.
package mqtt
