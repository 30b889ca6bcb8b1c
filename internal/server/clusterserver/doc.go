// Package clusterserver keeps the node's view of the DPS cluster.
//
// Membership comes from gossip (hashicorp/memberlist). Each member
// advertises its DPS client address in protobuf encoded node metadata.
// Domains are placed on nodes with a murmur3 consistent hash ring, and
// Database answers the replication fan-out questions the engine asks:
// which live nodes own a domain, which nodes still receive forwarded
// updates, and where the local node lives.
package clusterserver
