// Package chain defines the execution-backend contracts the payment core
// depends on: submitting stablecoin transfers, resolving transaction
// references, reading confirmation depth, and querying live balances. It
// also carries the multi-chain configuration helpers so supported networks
// such as Ethereum, Base, and Polygon can be described declaratively and
// instantiated uniformly by the provider registry.
package chain
