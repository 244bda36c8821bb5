package cmd

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/quarrylabs/quarry/foundation/blockchain/database"
	"github.com/quarrylabs/quarry/foundation/blockchain/ledger"
	"github.com/spf13/cobra"
)

var unspentCmd = &cobra.Command{
	Use:   "unspent",
	Short: "Print the unspent outputs owned by this wallet.",
	Run:   unspentRun,
}

func init() {
	rootCmd.AddCommand(unspentCmd)
	unspentCmd.Flags().StringVarP(&url, "url", "u", "http://localhost:8080", "Url of the node.")
}

func unspentRun(cmd *cobra.Command, args []string) {
	privateKey, err := crypto.LoadECDSA(getPrivateKeyPath())
	if err != nil {
		log.Fatal(err)
	}

	accountID := database.PublicKeyToAccountID(privateKey.PublicKey)
	fmt.Println("For Account:", accountID)

	outputs, err := fetchUnspent(accountID)
	if err != nil {
		log.Fatal(err)
	}

	var total uint64
	for _, out := range outputs {
		fmt.Printf("%s  amount[%d]  spendable_after[%d]\n", out.Ref, out.Amount, out.SpendableAfter)
		total += out.Amount
	}
	fmt.Println("Total:", total)
}

// fetchUnspent pulls the unspent outputs the node tracks for the
// account.
func fetchUnspent(accountID database.AccountID) ([]ledger.UnspentOutput, error) {
	resp, err := http.Get(fmt.Sprintf("%s/v1/unspent/list/%s", url, accountID))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var outputs []ledger.UnspentOutput
	if err := json.NewDecoder(resp.Body).Decode(&outputs); err != nil {
		return nil, err
	}

	return outputs, nil
}
