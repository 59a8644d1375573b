// Package domain define contratos e tipos de domínio para emissão de cupons com cota.
//
// Este pacote não depende de net/http, Redis ou JWT.
// A intenção é permitir testes de unidade puros e desacoplar as regras de cota
// (global e por dono) dos detalhes de infraestrutura.
package domain
