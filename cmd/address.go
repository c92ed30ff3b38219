package cmd

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/tiny-walnut-games/oasis-core/oasis"
)

var addrCoord oasis.Coordinate

var addressCmd = &cobra.Command{
	Use:   "address",
	Short: "Compute the canonical STAT7 address of a realm coordinate",
	Run: func(cmd *cobra.Command, args []string) {
		addr, canonical, err := oasis.EncodeAddress(addrCoord)
		if err != nil {
			logrus.Fatalf("Invalid coordinate: %v", err)
		}
		fmt.Printf("canonical: %s\n", canonical)
		fmt.Printf("address:   %s\n", addr)
	},
}

func init() {
	addressCmd.Flags().StringVar(&addrCoord.RealmID, "realm-id", "", "Realm identifier (required)")
	addressCmd.Flags().StringVar(&addrCoord.RealmType, "realm-type", "sol_system", "Taxonomic realm class")
	addressCmd.Flags().StringVar(&addrCoord.Adjacency, "adjacency", "cluster_0", "Proximity cluster label")
	addressCmd.Flags().StringVar(&addrCoord.Resonance, "resonance", "narrative_prime", "Narrative context label")
	addressCmd.Flags().IntVar(&addrCoord.Density, "density", 0, "Instance multiplicity (0 = canonical)")
	addressCmd.Flags().IntVar(&addrCoord.Lineage, "lineage", 0, "Generation index")
	addressCmd.Flags().StringVar((*string)(&addrCoord.Horizon), "horizon", "genesis", "Lifecycle stage")
	_ = addressCmd.MarkFlagRequired("realm-id")

	rootCmd.AddCommand(addressCmd)
}
