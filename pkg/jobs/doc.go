// Package jobs schedules the background reconciliation work of the
// entitlement engine with robfig/cron.
//
// Two jobs exist. The invitation purge deletes pending invitations that
// expired longer ago than the configured retention. The rollover renews
// subscriptions whose billing period has ended, or ends those cancelled at
// period end.
//
// Neither job is required for correctness. Invitation expiry is derived at
// read time and the usage meter resolves the current period on every call,
// so a stopped scheduler only lets tables grow.
package jobs
