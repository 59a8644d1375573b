// coupond emite cupons com cota global e por dono e garante resgate único.
//
// Uso:
//
//	# sobe a API HTTP
//	coupond serve --config coupond.yaml
//
//	# contadores atuais
//	coupond stats
//	coupond stats --owner user-42
//
//	# zera contadores e marcadores de uso
//	coupond reset --yes
//
//	# compara contadores de dono com o journal SQLite
//	coupond reconcile --apply
package main

func main() {
	Execute()
}
